// chat-console is an interactive console chat client. It authenticates with
// a device ID, joins a room channel over the realtime socket and mirrors
// presence changes and chat messages to stdout. Lines typed on stdin are
// sent to the channel as JSON text messages.
package main

import (
	"bufio"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/gofrs/uuid/v5"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/rtapi"
	"go.uber.org/zap"

	"github.com/echotools/nakama-go/client"
	"github.com/echotools/nakama-go/realtime"
)

var (
	flagConfig   = flag.String("config", "", "Path to a YAML client config (optional)")
	flagHost     = flag.String("host", "127.0.0.1", "Nakama server host")
	flagPort     = flag.Int("port", 7350, "Nakama HTTP/WebSocket port")
	flagKey      = flag.String("key", "defaultkey", "Nakama server key")
	flagDevice   = flag.String("device", "", "Device ID to authenticate with (random when empty)")
	flagUsername = flag.String("username", "", "Preferred username on account creation")
	flagRoom     = flag.String("room", "console-lobby", "Room channel to join")
	flagVerbose  = flag.Bool("verbose", false, "Enable debug logging")
)

var console = log.New(os.Stdout, "", log.Ltime|log.Lmsgprefix)

func loadConfig() (*client.Config, error) {
	if *flagConfig != "" {
		return client.ParseConfigFile(*flagConfig)
	}
	config := client.NewConfig()
	config.Host = *flagHost
	config.Port = *flagPort
	config.ServerKey = *flagKey
	return config, config.Validate()
}

func newLogger() (*zap.Logger, error) {
	zapConfig := zap.NewProductionConfig()
	if *flagVerbose {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.DebugLevel)
	} else {
		zapConfig.Level = zap.NewAtomicLevelAt(zap.WarnLevel)
	}
	return zapConfig.Build()
}

func messageText(content string) string {
	var payload struct {
		Text string `json:"text"`
	}
	if err := json.Unmarshal([]byte(content), &payload); err != nil || payload.Text == "" {
		return content
	}
	return payload.Text
}

func readLines(ctx context.Context, lines chan<- string) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		select {
		case lines <- scanner.Text():
		case <-ctx.Done():
			return
		}
	}
	close(lines)
}

func run(ctx context.Context, logger *zap.Logger, config *client.Config) error {
	apiClient := client.New(logger, config)

	deviceID := *flagDevice
	if deviceID == "" {
		deviceID = uuid.Must(uuid.NewV4()).String()
		console.Printf("generated device id %s", deviceID)
	}

	session, err := apiClient.AuthenticateDevice(ctx, deviceID, *flagUsername, true)
	if err != nil {
		return fmt.Errorf("authenticate: %w", err)
	}
	console.Printf("authenticated as %s (%s)", session.Username, session.UserID)

	socket := realtime.NewSocket(logger, apiClient)
	defer socket.Close()

	tracker := socket.Tracker()
	tracker.SetJoinListener(func(channelID string, p *rtapi.UserPresence) {
		console.Printf("* %s joined", p.Username)
	})
	tracker.SetLeaveListener(func(channelID string, p *rtapi.UserPresence) {
		console.Printf("* %s left", p.Username)
	})
	tracker.SetChannelReadyListener(func(channelID string) {
		view, err := tracker.PresenceView(channelID)
		if err != nil {
			return
		}
		names := make([]string, 0, len(view))
		for _, p := range view {
			names = append(names, p.Username)
		}
		console.Printf("* %d online: %v", len(names), names)
	})

	socket.RegisterMessageHandler(func(message *api.ChannelMessage) {
		console.Printf("<%s> %s", message.Username, messageText(message.Content))
	})
	socket.RegisterDisconnectHandler(func(err error) {
		if err != nil {
			console.Printf("! disconnected: %v", err)
		}
	})

	if err := socket.Connect(ctx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	channel, err := socket.ChannelJoin(ctx, *flagRoom, realtime.ChannelTypeRoom, true, false)
	if err != nil {
		return fmt.Errorf("join %q: %w", *flagRoom, err)
	}
	console.Printf("joined %s, type a message and press enter", *flagRoom)

	lines := make(chan string)
	go readLines(ctx, lines)

	for {
		select {
		case <-ctx.Done():
			if err := socket.ChannelLeave(context.Background(), channel.Id); err != nil {
				logger.Debug("Could not leave channel", zap.Error(err))
			}
			return nil
		case line, ok := <-lines:
			if !ok {
				return nil
			}
			if line == "" {
				continue
			}
			content, err := json.Marshal(map[string]string{"text": line})
			if err != nil {
				continue
			}
			if _, err := socket.WriteChatMessage(ctx, channel.Id, string(content)); err != nil {
				console.Printf("! send failed: %v", err)
			}
		}
	}
}

func main() {
	flag.Parse()

	logger, err := newLogger()
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	config, err := loadConfig()
	if err != nil {
		logger.Fatal("Invalid configuration", zap.Error(err))
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, logger, config); err != nil {
		logger.Fatal("Console exited with error", zap.Error(err))
	}
}
