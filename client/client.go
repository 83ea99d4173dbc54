package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/heroiclabs/nakama-common/api"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

var ErrSessionRequired = errors.New("client has no session, authenticate first")

// Client wraps the server's HTTP API: authentication, account and user
// lookups, chat history and storage. All methods are thin pass-throughs
// over the api.* wire types.
type Client struct {
	logger     *zap.Logger
	config     *Config
	httpClient *http.Client
	baseURL    string

	protojsonMarshaler   *protojson.MarshalOptions
	protojsonUnmarshaler *protojson.UnmarshalOptions

	sessionMu sync.RWMutex
	session   *Session

	userCache *UserCache
}

func New(logger *zap.Logger, config *Config) *Client {
	scheme := "http"
	if config.UseSSL {
		scheme = "https"
	}

	return &Client{
		logger: logger,
		config: config,
		httpClient: &http.Client{
			Timeout: config.GetRequestTimeout(),
		},
		baseURL: fmt.Sprintf("%s://%s:%d", scheme, config.Host, config.Port),

		protojsonMarshaler: &protojson.MarshalOptions{
			UseProtoNames:  true,
			UseEnumNumbers: true,
		},
		protojsonUnmarshaler: &protojson.UnmarshalOptions{
			DiscardUnknown: true,
		},

		userCache: NewUserCache(logger, config.GetUserCacheTTL()),
	}
}

// Session returns the current session, or nil before authentication.
func (c *Client) Session() *Session {
	c.sessionMu.RLock()
	defer c.sessionMu.RUnlock()
	return c.session
}

// RestoreSession adopts a previously stored session, e.g. one persisted
// across restarts by the embedding application.
func (c *Client) RestoreSession(session *Session) {
	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()
}

// AuthenticateDevice authenticates with a device identifier, optionally
// creating the account if it does not exist yet.
func (c *Client) AuthenticateDevice(ctx context.Context, deviceID, username string, create bool) (*Session, error) {
	if deviceID == "" {
		return nil, status.Error(codes.InvalidArgument, "device id must not be empty")
	}
	query := url.Values{"create": {strconv.FormatBool(create)}}
	if username != "" {
		query.Set("username", username)
	}
	return c.authenticate(ctx, "/v2/account/authenticate/device", query, &api.AccountDevice{Id: deviceID})
}

// AuthenticateEmail authenticates with an email address and password.
func (c *Client) AuthenticateEmail(ctx context.Context, email, password, username string, create bool) (*Session, error) {
	if email == "" || password == "" {
		return nil, status.Error(codes.InvalidArgument, "email and password must not be empty")
	}
	query := url.Values{"create": {strconv.FormatBool(create)}}
	if username != "" {
		query.Set("username", username)
	}
	return c.authenticate(ctx, "/v2/account/authenticate/email", query, &api.AccountEmail{Email: email, Password: password})
}

// AuthenticateCustom authenticates with a custom identifier.
func (c *Client) AuthenticateCustom(ctx context.Context, customID, username string, create bool) (*Session, error) {
	if customID == "" {
		return nil, status.Error(codes.InvalidArgument, "custom id must not be empty")
	}
	query := url.Values{"create": {strconv.FormatBool(create)}}
	if username != "" {
		query.Set("username", username)
	}
	return c.authenticate(ctx, "/v2/account/authenticate/custom", query, &api.AccountCustom{Id: customID})
}

func (c *Client) authenticate(ctx context.Context, path string, query url.Values, account proto.Message) (*Session, error) {
	apiSession := &api.Session{}
	if err := c.do(ctx, http.MethodPost, path, query, account, apiSession, false); err != nil {
		return nil, err
	}
	session, err := NewSession(apiSession)
	if err != nil {
		return nil, err
	}

	c.sessionMu.Lock()
	c.session = session
	c.sessionMu.Unlock()

	c.logger.Info("Authenticated", zap.String("uid", session.UserID), zap.String("username", session.Username), zap.Bool("created", session.Created))
	return session, nil
}

// SessionRefresh exchanges the refresh token for a new session token. It is
// also called automatically before API calls when the token nears expiry.
func (c *Client) SessionRefresh(ctx context.Context) (*Session, error) {
	c.sessionMu.RLock()
	session := c.session
	c.sessionMu.RUnlock()
	if session == nil {
		return nil, ErrSessionRequired
	}
	if session.RefreshExpired() {
		return nil, status.Error(codes.Unauthenticated, "refresh token expired, re-authentication required")
	}

	apiSession := &api.Session{}
	in := &api.SessionRefreshRequest{Token: session.RefreshToken}
	if err := c.do(ctx, http.MethodPost, "/v2/account/session/refresh", nil, in, apiSession, false); err != nil {
		return nil, err
	}
	refreshed, err := NewSession(apiSession)
	if err != nil {
		return nil, err
	}

	c.sessionMu.Lock()
	c.session = refreshed
	c.sessionMu.Unlock()

	c.logger.Debug("Session refreshed", zap.String("uid", refreshed.UserID), zap.Time("expires_at", refreshed.ExpiresAt))
	return refreshed, nil
}

// ensureValidSession refreshes the session token if it expires within the
// configured window.
func (c *Client) ensureValidSession(ctx context.Context) (*Session, error) {
	c.sessionMu.RLock()
	session := c.session
	c.sessionMu.RUnlock()
	if session == nil {
		return nil, ErrSessionRequired
	}
	if !session.Expired(c.config.GetSessionRefreshWindow()) {
		return session, nil
	}
	return c.SessionRefresh(ctx)
}

// GetAccount fetches the account of the current user.
func (c *Client) GetAccount(ctx context.Context) (*api.Account, error) {
	account := &api.Account{}
	if err := c.do(ctx, http.MethodGet, "/v2/account", nil, nil, account, true); err != nil {
		return nil, err
	}
	return account, nil
}

// GetUsers fetches user records by IDs and/or usernames.
func (c *Client) GetUsers(ctx context.Context, ids, usernames []string) (*api.Users, error) {
	query := url.Values{}
	for _, id := range ids {
		query.Add("ids", id)
	}
	for _, username := range usernames {
		query.Add("usernames", username)
	}
	users := &api.Users{}
	if err := c.do(ctx, http.MethodGet, "/v2/user", query, nil, users, true); err != nil {
		return nil, err
	}
	return users, nil
}

// CachedUsers resolves user records through the TTL cache, fetching only
// the users not already cached.
func (c *Client) CachedUsers(ctx context.Context, ids []string) ([]*api.User, error) {
	return c.userCache.Users(ctx, c, ids)
}

// ListChannelMessages lists the message history of a channel.
func (c *Client) ListChannelMessages(ctx context.Context, channelID string, limit int, forward bool, cursor string) (*api.ChannelMessageList, error) {
	if channelID == "" {
		return nil, status.Error(codes.InvalidArgument, "channel id must not be empty")
	}
	query := url.Values{
		"limit":   {strconv.Itoa(limit)},
		"forward": {strconv.FormatBool(forward)},
	}
	if cursor != "" {
		query.Set("cursor", cursor)
	}
	list := &api.ChannelMessageList{}
	if err := c.do(ctx, http.MethodGet, "/v2/channel/"+url.PathEscape(channelID), query, nil, list, true); err != nil {
		return nil, err
	}
	return list, nil
}

// StorageRead reads storage objects owned by the current user or readable
// public objects of other users.
func (c *Client) StorageRead(ctx context.Context, objectIDs []*api.ReadStorageObjectId) (*api.StorageObjects, error) {
	in := &api.ReadStorageObjectsRequest{ObjectIds: objectIDs}
	objects := &api.StorageObjects{}
	if err := c.do(ctx, http.MethodPost, "/v2/storage", nil, in, objects, true); err != nil {
		return nil, err
	}
	return objects, nil
}

// StorageWrite writes storage objects for the current user.
func (c *Client) StorageWrite(ctx context.Context, objects []*api.WriteStorageObject) (*api.StorageObjectAcks, error) {
	in := &api.WriteStorageObjectsRequest{Objects: objects}
	acks := &api.StorageObjectAcks{}
	if err := c.do(ctx, http.MethodPut, "/v2/storage", nil, in, acks, true); err != nil {
		return nil, err
	}
	return acks, nil
}

// StorageDelete removes storage objects owned by the current user.
func (c *Client) StorageDelete(ctx context.Context, objectIDs []*api.DeleteStorageObjectId) error {
	in := &api.DeleteStorageObjectsRequest{ObjectIds: objectIDs}
	return c.do(ctx, http.MethodPut, "/v2/storage/delete", nil, in, nil, true)
}

// SocketURL returns the websocket endpoint for the configured server.
func (c *Client) SocketURL() string {
	scheme := "ws"
	if c.config.UseSSL {
		scheme = "wss"
	}
	return fmt.Sprintf("%s://%s:%d/ws", scheme, c.config.Host, c.config.Port)
}

func (c *Client) Config() *Config {
	return c.config
}

// do performs one HTTP API request, retrying transient failures according
// to the retry configuration.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, in, out proto.Message, authenticated bool) error {
	var body []byte
	if in != nil {
		var err error
		if body, err = c.protojsonMarshaler.Marshal(in); err != nil {
			return fmt.Errorf("could not marshal request: %w", err)
		}
	}

	maxAttempts := 1
	if c.config.Retry != nil && c.config.Retry.MaxAttempts > 1 {
		maxAttempts = c.config.Retry.MaxAttempts
	}

	var err error
	for attempt := 1; ; attempt++ {
		err = c.doOnce(ctx, method, path, query, body, out, authenticated)
		if err == nil || attempt >= maxAttempts || !Retryable(err) {
			return err
		}

		interval := c.config.Retry.Interval(attempt)
		c.logger.Debug("Retrying request", zap.String("path", path), zap.Int("attempt", attempt), zap.Duration("interval", interval), zap.Error(err))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(interval):
		}
	}
}

func (c *Client) doOnce(ctx context.Context, method, path string, query url.Values, body []byte, out proto.Message, authenticated bool) error {
	endpoint := c.baseURL + path
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	request, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return fmt.Errorf("could not create request: %w", err)
	}
	request.Header.Set("Content-Type", "application/json")

	if authenticated {
		session, err := c.ensureValidSession(ctx)
		if err != nil {
			return err
		}
		request.Header.Set("Authorization", "Bearer "+session.Token)
	} else {
		request.SetBasicAuth(c.config.ServerKey, "")
	}

	response, err := c.httpClient.Do(request)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}
	defer response.Body.Close()

	payload, err := io.ReadAll(response.Body)
	if err != nil {
		return status.Error(codes.Unavailable, err.Error())
	}

	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return decodeError(response.StatusCode, payload)
	}

	if out != nil {
		if err := c.protojsonUnmarshaler.Unmarshal(payload, out); err != nil {
			return fmt.Errorf("could not unmarshal response: %w", err)
		}
	}
	return nil
}

// decodeError converts the gateway error payload into a gRPC status error,
// falling back to a mapping of the HTTP status code.
func decodeError(httpStatus int, payload []byte) error {
	var body struct {
		Error   string `json:"error"`
		Message string `json:"message"`
		Code    int32  `json:"code"`
	}
	if err := json.Unmarshal(payload, &body); err == nil && body.Code != 0 && (body.Message != "" || body.Error != "") {
		message := body.Message
		if message == "" {
			message = body.Error
		}
		return status.Error(codes.Code(body.Code), message)
	}

	var code codes.Code
	switch httpStatus {
	case http.StatusUnauthorized:
		code = codes.Unauthenticated
	case http.StatusForbidden:
		code = codes.PermissionDenied
	case http.StatusNotFound:
		code = codes.NotFound
	case http.StatusConflict:
		code = codes.AlreadyExists
	case http.StatusBadRequest:
		code = codes.InvalidArgument
	case http.StatusServiceUnavailable, http.StatusBadGateway, http.StatusGatewayTimeout:
		code = codes.Unavailable
	default:
		code = codes.Internal
	}
	return status.Error(code, http.StatusText(httpStatus))
}
