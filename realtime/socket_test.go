package realtime

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"
	"time"

	jwt "github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/rtapi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/protobuf/encoding/protojson"

	"github.com/echotools/nakama-go/client"
)

// fakeRealtimeServer answers envelope requests the way the server's realtime
// endpoint does, and lets tests push uncorrelated envelopes to the client.
type fakeRealtimeServer struct {
	t        *testing.T
	upgrader websocket.Upgrader

	marshaler   *protojson.MarshalOptions
	unmarshaler *protojson.UnmarshalOptions

	mu        sync.Mutex
	conn      *websocket.Conn
	connected chan struct{}
}

func newFakeRealtimeServer(t *testing.T) *fakeRealtimeServer {
	return &fakeRealtimeServer{
		t:           t,
		marshaler:   &protojson.MarshalOptions{UseProtoNames: true, UseEnumNumbers: true},
		unmarshaler: &protojson.UnmarshalOptions{DiscardUnknown: true},
		connected:   make(chan struct{}, 1),
	}
}

func (f *fakeRealtimeServer) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("token") == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}

	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conn = conn
	f.mu.Unlock()
	f.connected <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		envelope := &rtapi.Envelope{}
		if err := f.unmarshaler.Unmarshal(data, envelope); err != nil {
			f.t.Errorf("malformed envelope from client: %v", err)
			return
		}
		f.respond(envelope)
	}
}

func (f *fakeRealtimeServer) respond(request *rtapi.Envelope) {
	response := &rtapi.Envelope{Cid: request.Cid}
	switch message := request.Message.(type) {
	case *rtapi.Envelope_ChannelJoin:
		if message.ChannelJoin.Target == "forbidden" {
			response.Message = &rtapi.Envelope_Error{Error: &rtapi.Error{
				Code:    int32(rtapi.Error_BAD_INPUT),
				Message: "channel is forbidden",
			}}
			break
		}
		response.Message = &rtapi.Envelope_Channel{Channel: &rtapi.Channel{
			Id:       "chan-1",
			RoomName: message.ChannelJoin.Target,
			Presences: []*rtapi.UserPresence{
				{UserId: "u1", SessionId: "s1", Username: "alice"},
			},
		}}
	case *rtapi.Envelope_ChannelLeave:
		// A leave is acknowledged with a bare cid envelope.
	case *rtapi.Envelope_ChannelMessageSend:
		response.Message = &rtapi.Envelope_ChannelMessageAck{ChannelMessageAck: &rtapi.ChannelMessageAck{
			ChannelId: message.ChannelMessageSend.ChannelId,
			MessageId: "msg-1",
		}}
	default:
		f.t.Errorf("unhandled request envelope %T", message)
		return
	}
	f.push(response)
}

func (f *fakeRealtimeServer) push(envelope *rtapi.Envelope) {
	payload, err := f.marshaler.Marshal(envelope)
	require.NoError(f.t, err)

	f.mu.Lock()
	defer f.mu.Unlock()
	require.NotNil(f.t, f.conn)
	require.NoError(f.t, f.conn.WriteMessage(websocket.TextMessage, payload))
}

func socketSessionToken(t *testing.T, userID string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"uid": userID,
		"usn": "alice",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	signed, err := token.SignedString([]byte("server-side-secret"))
	require.NoError(t, err)
	return signed
}

func newTestSocket(t *testing.T) (*Socket, *fakeRealtimeServer) {
	t.Helper()

	fake := newFakeRealtimeServer(t)
	server := httptest.NewServer(fake)
	t.Cleanup(server.Close)

	serverURL, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(serverURL.Port())
	require.NoError(t, err)

	config := client.NewConfig()
	config.Host = serverURL.Hostname()
	config.Port = port
	config.PresenceGracePeriodMs = 100

	apiClient := client.New(zap.NewNop(), config)
	session, err := client.NewSession(&api.Session{Token: socketSessionToken(t, "u-self")})
	require.NoError(t, err)
	apiClient.RestoreSession(session)

	socket := NewSocket(zap.NewNop(), apiClient)
	t.Cleanup(socket.Close)
	return socket, fake
}

func connect(t *testing.T, socket *Socket, fake *fakeRealtimeServer) {
	t.Helper()
	require.NoError(t, socket.Connect(context.Background()))
	select {
	case <-fake.connected:
	case <-time.After(time.Second):
		t.Fatal("server never saw the connection")
	}
}

func TestSocketConnectAndChannelJoin(t *testing.T) {
	socket, fake := newTestSocket(t)

	ready := make(chan string, 1)
	socket.Tracker().SetChannelReadyListener(func(channelID string) { ready <- channelID })

	connect(t, socket, fake)
	assert.Equal(t, StatusConnected, socket.Status())

	channel, err := socket.ChannelJoin(context.Background(), "room-1", ChannelTypeRoom, false, false)
	require.NoError(t, err)
	assert.Equal(t, "chan-1", channel.Id)
	assert.Equal(t, "room-1", channel.RoomName)

	expectEvent(t, ready, "chan-1", time.Second)

	view, err := socket.Tracker().PresenceView("chan-1")
	require.NoError(t, err)
	assert.Contains(t, view, "u1")
}

func TestSocketConnectTwice(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	assert.ErrorIs(t, socket.Connect(context.Background()), ErrSocketAlreadyConnected)
}

func TestSocketSendWithoutConnect(t *testing.T) {
	socket, _ := newTestSocket(t)

	_, err := socket.WriteChatMessage(context.Background(), "chan-1", `{"text":"hi"}`)
	assert.ErrorIs(t, err, ErrSocketNotConnected)
}

func TestSocketServerErrorEnvelope(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	_, err := socket.ChannelJoin(context.Background(), "forbidden", ChannelTypeRoom, false, false)
	require.Error(t, err)

	var socketErr *Error
	require.ErrorAs(t, err, &socketErr)
	assert.Equal(t, int32(rtapi.Error_BAD_INPUT), socketErr.Code)
	assert.Contains(t, socketErr.Message, "forbidden")
}

func TestSocketPresencePush(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	joins := make(chan string, 4)
	socket.Tracker().SetJoinListener(func(channelID string, p *rtapi.UserPresence) { joins <- p.UserId })

	_, err := socket.ChannelJoin(context.Background(), "room-1", ChannelTypeRoom, false, false)
	require.NoError(t, err)

	fake.push(&rtapi.Envelope{Message: &rtapi.Envelope_ChannelPresenceEvent{ChannelPresenceEvent: &rtapi.ChannelPresenceEvent{
		ChannelId: "chan-1",
		Joins:     []*rtapi.UserPresence{{UserId: "u2", SessionId: "s2", Username: "bob"}},
	}}})

	expectEvent(t, joins, "u2", time.Second)

	view, err := socket.Tracker().PresenceView("chan-1")
	require.NoError(t, err)
	assert.Len(t, view, 2)
}

func TestSocketMessageRoundTripAndPush(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	messages := make(chan *api.ChannelMessage, 4)
	handlerID := socket.RegisterMessageHandler(func(message *api.ChannelMessage) { messages <- message })
	defer socket.UnregisterHandler(handlerID)

	ack, err := socket.WriteChatMessage(context.Background(), "chan-1", `{"text":"hi"}`)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", ack.MessageId)

	fake.push(&rtapi.Envelope{Message: &rtapi.Envelope_ChannelMessage{ChannelMessage: &api.ChannelMessage{
		ChannelId: "chan-1",
		MessageId: "msg-2",
		Content:   `{"text":"welcome"}`,
	}}})

	select {
	case message := <-messages:
		assert.Equal(t, "msg-2", message.MessageId)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for pushed message")
	}
}

func TestSocketChannelLeaveDropsPresence(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	_, err := socket.ChannelJoin(context.Background(), "room-1", ChannelTypeRoom, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, socket.Tracker().Count())

	require.NoError(t, socket.ChannelLeave(context.Background(), "chan-1"))

	assert.Equal(t, 0, socket.Tracker().Count())
	view, err := socket.Tracker().PresenceView("chan-1")
	require.NoError(t, err)
	assert.Empty(t, view)
}

func TestSocketSendLeavesEnvelopeUntouched(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	envelope := &rtapi.Envelope{Message: &rtapi.Envelope_ChannelMessageSend{ChannelMessageSend: &rtapi.ChannelMessageSend{
		ChannelId: "chan-1",
		Content:   `{"text":"hi"}`,
	}}}

	// A caller may reuse its envelope; the correlation id must never leak
	// into it or a second send would carry a stale one.
	for i := 0; i < 2; i++ {
		response, err := socket.Send(context.Background(), envelope)
		require.NoError(t, err)
		require.IsType(t, &rtapi.Envelope_ChannelMessageAck{}, response.Message)
		assert.Empty(t, envelope.Cid)
	}
}

func TestSocketStaleTeardownIgnoredAfterReconnect(t *testing.T) {
	socket, fake := newTestSocket(t)

	disconnects := make(chan error, 4)
	socket.RegisterDisconnectHandler(func(err error) { disconnects <- err })

	connect(t, socket, fake)
	socket.Lock()
	staleConn := socket.conn
	socket.Unlock()

	socket.Close()
	select {
	case <-disconnects:
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect handler")
	}

	connect(t, socket, fake)
	_, err := socket.ChannelJoin(context.Background(), "room-1", ChannelTypeRoom, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, socket.Tracker().Count())

	// A reader goroutine of the previous connection waking up late must not
	// tear down the new connection or its tracker state.
	socket.close(staleConn, websocket.ErrCloseSent)

	assert.Equal(t, StatusConnected, socket.Status())
	assert.Equal(t, 1, socket.Tracker().Count())
	select {
	case reason := <-disconnects:
		t.Fatalf("unexpected disconnect event: %v", reason)
	case <-time.After(50 * time.Millisecond):
	}

	// The new connection still works end to end.
	ack, err := socket.WriteChatMessage(context.Background(), "chan-1", `{"text":"still here"}`)
	require.NoError(t, err)
	assert.Equal(t, "msg-1", ack.MessageId)
}

func TestSocketCloseResetsState(t *testing.T) {
	socket, fake := newTestSocket(t)
	connect(t, socket, fake)

	disconnects := make(chan error, 1)
	socket.RegisterDisconnectHandler(func(err error) { disconnects <- err })

	_, err := socket.ChannelJoin(context.Background(), "room-1", ChannelTypeRoom, false, false)
	require.NoError(t, err)
	require.Equal(t, 1, socket.Tracker().Count())

	socket.Close()

	select {
	case reason := <-disconnects:
		assert.NoError(t, reason)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for disconnect handler")
	}

	assert.Equal(t, StatusDisconnected, socket.Status())
	assert.Equal(t, 0, socket.Tracker().Count())
}
