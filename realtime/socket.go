// Copyright 2024 The Nakama Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
// http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package realtime

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/heroiclabs/nakama-common/api"
	"github.com/heroiclabs/nakama-common/rtapi"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"

	"github.com/echotools/nakama-go/client"
)

var (
	ErrSocketNotConnected     = errors.New("socket is not connected")
	ErrSocketAlreadyConnected = errors.New("socket is already connected")
	ErrSocketQueueFull        = errors.New("socket outgoing queue full")
)

const (
	StatusDisconnected int32 = iota
	StatusConnecting
	StatusConnected
)

// Error is a server-reported realtime error carried in an envelope.
type Error struct {
	Code    int32
	Message string
	Context map[string]string
}

func (e *Error) Error() string {
	return fmt.Sprintf("socket error %d: %s", e.Code, e.Message)
}

// Socket is a realtime connection to the server. Requests are correlated to
// their responses by envelope cid; pushes are fanned out to registered
// handlers and, for channel presence, into the presence tracker.
type Socket struct {
	sync.Mutex
	logger    *zap.Logger
	config    *client.Config
	apiClient *client.Client

	protojsonMarshaler   *protojson.MarshalOptions
	protojsonUnmarshaler *protojson.UnmarshalOptions
	wsMessageType        int

	status                 *atomic.Int32
	stopped                bool
	conn                   *websocket.Conn
	receivedMessageCounter int
	pingTimer              *time.Timer
	pingTimerCAS           *atomic.Uint32
	outgoingCh             chan []byte
	limiter                *rate.Limiter

	ctx         context.Context
	ctxCancelFn context.CancelFunc

	cidSeq    *atomic.Uint64
	pendingMu sync.Mutex
	pending   map[string]chan *rtapi.Envelope

	handlersMu           sync.RWMutex
	nextHandlerID        uint64
	messageHandlers      map[uint64]func(message *api.ChannelMessage)
	notificationHandlers map[uint64]func(notification *api.Notification)
	disconnectHandlers   map[uint64]func(err error)

	tracker *PresenceTracker
}

func NewSocket(logger *zap.Logger, apiClient *client.Client) *Socket {
	config := apiClient.Config()

	wsMessageType := websocket.TextMessage
	if config.ProtobufFormat {
		wsMessageType = websocket.BinaryMessage
	}

	var limiter *rate.Limiter
	if config.OutgoingRateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(config.OutgoingRateLimit), config.OutgoingRateLimit)
	}

	return &Socket{
		logger:    logger,
		config:    config,
		apiClient: apiClient,

		protojsonMarshaler: &protojson.MarshalOptions{
			UseProtoNames:  true,
			UseEnumNumbers: true,
		},
		protojsonUnmarshaler: &protojson.UnmarshalOptions{
			DiscardUnknown: true,
		},
		wsMessageType: wsMessageType,

		status:       atomic.NewInt32(StatusDisconnected),
		stopped:      true,
		pingTimerCAS: atomic.NewUint32(1),
		limiter:      limiter,

		cidSeq:  atomic.NewUint64(0),
		pending: make(map[string]chan *rtapi.Envelope),

		messageHandlers:      make(map[uint64]func(*api.ChannelMessage)),
		notificationHandlers: make(map[uint64]func(*api.Notification)),
		disconnectHandlers:   make(map[uint64]func(error)),

		tracker: NewPresenceTracker(logger, config.GetPresenceGracePeriod()),
	}
}

// Tracker returns the presence tracker fed by this socket.
func (s *Socket) Tracker() *PresenceTracker {
	return s.tracker
}

// Status returns the current connection status.
func (s *Socket) Status() int32 {
	return s.status.Load()
}

// Connect dials the realtime endpoint using the client's current session
// token, refreshing it first if it is near expiry.
func (s *Socket) Connect(ctx context.Context) error {
	if !s.status.CompareAndSwap(StatusDisconnected, StatusConnecting) {
		return ErrSocketAlreadyConnected
	}

	session := s.apiClient.Session()
	if session == nil {
		s.status.Store(StatusDisconnected)
		return client.ErrSessionRequired
	}
	if session.Expired(s.config.GetSessionRefreshWindow()) {
		var err error
		if session, err = s.apiClient.SessionRefresh(ctx); err != nil {
			s.status.Store(StatusDisconnected)
			return err
		}
	}

	format := "json"
	if s.config.ProtobufFormat {
		format = "protobuf"
	}
	endpoint := fmt.Sprintf("%s?token=%s&format=%s", s.apiClient.SocketURL(), url.QueryEscape(session.Token), format)

	dialer := websocket.Dialer{HandshakeTimeout: s.config.GetRequestTimeout()}
	conn, _, err := dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		s.status.Store(StatusDisconnected)
		return fmt.Errorf("could not dial socket: %w", err)
	}

	socketCtx, ctxCancelFn := context.WithCancel(context.Background())

	s.Lock()
	s.conn = conn
	s.ctx = socketCtx
	s.ctxCancelFn = ctxCancelFn
	s.stopped = false
	s.receivedMessageCounter = pingBackoffThreshold
	s.pingTimer = time.NewTimer(s.config.GetPingPeriod())
	s.pingTimerCAS.Store(1)
	s.outgoingCh = make(chan []byte, s.config.OutgoingQueueSize)
	s.Unlock()

	s.status.Store(StatusConnected)
	s.logger.Info("Socket connected", zap.String("uid", session.UserID))

	go s.processOutgoing()
	go s.consume()

	return nil
}

// pingBackoffThreshold is the number of received messages that resets the
// ping timer without sending an explicit ping.
const pingBackoffThreshold = 20

func (s *Socket) consume() {
	s.Lock()
	conn := s.conn
	s.Unlock()

	conn.SetReadLimit(s.config.MaxMessageSizeBytes)
	if err := conn.SetReadDeadline(time.Now().Add(s.config.GetPongWait())); err != nil {
		s.logger.Warn("Failed to set initial read deadline", zap.Error(err))
		s.close(conn, err)
		return
	}
	conn.SetPongHandler(func(string) error {
		s.maybeResetPingTimer(conn)
		return nil
	})

	var reason error
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
				if e, ok := err.(*net.OpError); !ok || e.Err.Error() != "use of closed network connection" {
					s.logger.Debug("Error reading message from server", zap.Error(err))
					reason = err
				}
			}
			break
		}

		s.receivedMessageCounter--
		if s.receivedMessageCounter <= 0 {
			s.receivedMessageCounter = pingBackoffThreshold
			if !s.maybeResetPingTimer(conn) {
				reason = errors.New("error updating ping timer")
				break
			}
		}

		envelope := &rtapi.Envelope{}
		if s.config.ProtobufFormat {
			err = proto.Unmarshal(data, envelope)
		} else {
			err = s.protojsonUnmarshaler.Unmarshal(data, envelope)
		}
		if err != nil {
			s.logger.Warn("Received malformed payload", zap.Binary("data", data), zap.Error(err))
			reason = err
			break
		}

		s.route(envelope)
	}

	s.close(conn, reason)
}

// route delivers one incoming envelope: correlated responses to their
// waiting caller, pushes to handlers and the presence tracker.
func (s *Socket) route(envelope *rtapi.Envelope) {
	if envelope.Cid != "" {
		s.pendingMu.Lock()
		responseCh, found := s.pending[envelope.Cid]
		if found {
			delete(s.pending, envelope.Cid)
		}
		s.pendingMu.Unlock()
		if !found {
			s.logger.Warn("Received response for unknown cid", zap.String("cid", envelope.Cid))
			return
		}
		responseCh <- envelope
		return
	}

	switch message := envelope.Message.(type) {
	case *rtapi.Envelope_ChannelMessage:
		s.handlersMu.RLock()
		for _, handler := range s.messageHandlers {
			handler(message.ChannelMessage)
		}
		s.handlersMu.RUnlock()
	case *rtapi.Envelope_ChannelPresenceEvent:
		if err := s.tracker.ApplyEvent(message.ChannelPresenceEvent); err != nil {
			s.logger.Warn("Failed to apply presence event", zap.Error(err))
		}
	case *rtapi.Envelope_Notifications:
		s.handlersMu.RLock()
		for _, notification := range message.Notifications.GetNotifications() {
			for _, handler := range s.notificationHandlers {
				handler(notification)
			}
		}
		s.handlersMu.RUnlock()
	case *rtapi.Envelope_Error:
		s.logger.Warn("Received uncorrelated error envelope", zap.Int32("code", message.Error.Code), zap.String("message", message.Error.Message))
	default:
		s.logger.Debug("Received unhandled envelope", zap.String("type", fmt.Sprintf("%T", message)))
	}
}

func (s *Socket) maybeResetPingTimer(conn *websocket.Conn) bool {
	if !s.pingTimerCAS.CompareAndSwap(1, 0) {
		return true
	}
	defer s.pingTimerCAS.CompareAndSwap(0, 1)

	s.Lock()
	if s.stopped || s.conn != conn {
		s.Unlock()
		return false
	}
	if !s.pingTimer.Stop() {
		select {
		case <-s.pingTimer.C:
		default:
		}
	}
	s.pingTimer.Reset(s.config.GetPingPeriod())
	err := conn.SetReadDeadline(time.Now().Add(s.config.GetPongWait()))
	s.Unlock()
	if err != nil {
		s.logger.Warn("Failed to set read deadline", zap.Error(err))
		s.close(conn, err)
		return false
	}
	return true
}

func (s *Socket) processOutgoing() {
	s.Lock()
	conn := s.conn
	ctx := s.ctx
	pingTimer := s.pingTimer
	outgoingCh := s.outgoingCh
	s.Unlock()

	var reason error
OutgoingLoop:
	for {
		select {
		case <-ctx.Done():
			return
		case <-pingTimer.C:
			if err := s.pingNow(conn); err != nil {
				reason = err
				break OutgoingLoop
			}
		case payload := <-outgoingCh:
			s.Lock()
			if s.stopped || s.conn != conn {
				s.Unlock()
				return
			}
			if err := conn.SetWriteDeadline(time.Now().Add(s.config.GetWriteWait())); err != nil {
				s.Unlock()
				s.logger.Warn("Failed to set write deadline", zap.Error(err))
				reason = err
				break OutgoingLoop
			}
			if err := conn.WriteMessage(s.wsMessageType, payload); err != nil {
				s.Unlock()
				s.logger.Warn("Could not write message", zap.Error(err))
				reason = err
				break OutgoingLoop
			}
			s.Unlock()
		}
	}
	s.close(conn, reason)
}

func (s *Socket) pingNow(conn *websocket.Conn) error {
	s.Lock()
	defer s.Unlock()
	if s.stopped || s.conn != conn {
		return ErrSocketNotConnected
	}
	if err := conn.SetWriteDeadline(time.Now().Add(s.config.GetWriteWait())); err != nil {
		return err
	}
	return conn.WriteMessage(websocket.PingMessage, []byte{})
}

// Send performs a request/response exchange over the socket. The envelope
// is assigned a cid and the correlated response (or server error) is
// returned.
func (s *Socket) Send(ctx context.Context, envelope *rtapi.Envelope) (*rtapi.Envelope, error) {
	if s.status.Load() != StatusConnected {
		return nil, ErrSocketNotConnected
	}

	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return nil, err
		}
	}

	cid := fmt.Sprintf("%d", s.cidSeq.Inc())
	// The caller keeps ownership of its envelope; the cid is stamped onto a
	// shallow copy so a reused envelope cannot carry a stale one.
	request := &rtapi.Envelope{Cid: cid, Message: envelope.Message}

	responseCh := make(chan *rtapi.Envelope, 1)
	s.pendingMu.Lock()
	s.pending[cid] = responseCh
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, cid)
		s.pendingMu.Unlock()
	}()

	var payload []byte
	var err error
	if s.config.ProtobufFormat {
		payload, err = proto.Marshal(request)
	} else {
		payload, err = s.protojsonMarshaler.Marshal(request)
	}
	if err != nil {
		return nil, fmt.Errorf("could not marshal envelope: %w", err)
	}
	if err := s.sendBytes(payload); err != nil {
		return nil, err
	}

	s.Lock()
	socketCtx := s.ctx
	s.Unlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-socketCtx.Done():
		return nil, ErrSocketNotConnected
	case response := <-responseCh:
		if errMessage, ok := response.Message.(*rtapi.Envelope_Error); ok {
			return nil, &Error{
				Code:    errMessage.Error.Code,
				Message: errMessage.Error.Message,
				Context: errMessage.Error.Context,
			}
		}
		return response, nil
	}
}

func (s *Socket) sendBytes(payload []byte) error {
	s.Lock()
	if s.stopped {
		s.Unlock()
		return ErrSocketNotConnected
	}
	conn := s.conn
	outgoingCh := s.outgoingCh
	s.Unlock()

	select {
	case outgoingCh <- payload:
		return nil
	default:
		// The outgoing queue is full. Terminate the connection rather than
		// silently dropping messages.
		s.logger.Warn("Could not write message, socket outgoing queue full")
		go s.close(conn, ErrSocketQueueFull)
		return ErrSocketQueueFull
	}
}

// Close shuts the socket down cleanly.
func (s *Socket) Close() {
	s.Lock()
	conn := s.conn
	s.Unlock()
	s.close(conn, nil)
}

// close tears down the given connection. All teardown paths name the
// connection they belong to, so a goroutine left over from a previous
// connection cannot act on a newer one.
func (s *Socket) close(conn *websocket.Conn, reason error) {
	s.Lock()
	if s.stopped || s.conn != conn {
		s.Unlock()
		return
	}
	s.stopped = true
	ctxCancelFn := s.ctxCancelFn
	pingTimer := s.pingTimer
	s.Unlock()

	ctxCancelFn()
	pingTimer.Stop()

	// All presence state is scoped to the connection.
	s.tracker.Reset()

	// Fail any in-flight requests.
	s.pendingMu.Lock()
	for cid := range s.pending {
		delete(s.pending, cid)
	}
	s.pendingMu.Unlock()

	if err := conn.WriteControl(websocket.CloseMessage, []byte{}, time.Now().Add(s.config.GetWriteWait())); err != nil {
		s.logger.Debug("Could not send close message", zap.Error(err))
	}
	if err := conn.Close(); err != nil {
		s.logger.Debug("Could not close connection", zap.Error(err))
	}

	s.status.Store(StatusDisconnected)
	if reason != nil {
		s.logger.Info("Socket closed", zap.Error(reason))
	} else {
		s.logger.Info("Socket closed")
	}

	s.handlersMu.RLock()
	for _, handler := range s.disconnectHandlers {
		handler(reason)
	}
	s.handlersMu.RUnlock()
}

// RegisterMessageHandler registers an observer for incoming chat messages.
// The returned id deterministically unregisters it via UnregisterHandler.
func (s *Socket) RegisterMessageHandler(handler func(message *api.ChannelMessage)) uint64 {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.nextHandlerID++
	s.messageHandlers[s.nextHandlerID] = handler
	return s.nextHandlerID
}

// RegisterNotificationHandler registers an observer for server notifications.
func (s *Socket) RegisterNotificationHandler(handler func(notification *api.Notification)) uint64 {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.nextHandlerID++
	s.notificationHandlers[s.nextHandlerID] = handler
	return s.nextHandlerID
}

// RegisterDisconnectHandler registers an observer for socket teardown. The
// handler receives the close reason, or nil for a clean shutdown.
func (s *Socket) RegisterDisconnectHandler(handler func(err error)) uint64 {
	s.handlersMu.Lock()
	defer s.handlersMu.Unlock()
	s.nextHandlerID++
	s.disconnectHandlers[s.nextHandlerID] = handler
	return s.nextHandlerID
}

// UnregisterHandler removes a previously registered observer.
func (s *Socket) UnregisterHandler(id uint64) {
	s.handlersMu.Lock()
	delete(s.messageHandlers, id)
	delete(s.notificationHandlers, id)
	delete(s.disconnectHandlers, id)
	s.handlersMu.Unlock()
}
