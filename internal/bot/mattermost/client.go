// Package mattermost implements the Mattermost adapter: a REST plus
// WebSocket client with reconnect and heartbeat handling, the
// middleware that normalizes posted events, and the listener and
// router wiring. The dummy platform reuses the client against a local
// test server.
package mattermost

import (
	"bytes"
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/openchatops/chatbridge/internal/bot"
	"github.com/openchatops/chatbridge/pkg/constants"
)

// ConnectionStatus tracks the WebSocket lifecycle.
type ConnectionStatus string

const (
	StatusNotConnected ConnectionStatus = "not_connected"
	StatusConnecting   ConnectionStatus = "connecting"
	StatusAlive        ConnectionStatus = "alive"
	StatusReconnecting ConnectionStatus = "reconnecting"
	StatusClosed       ConnectionStatus = "closed"
	StatusExpired      ConnectionStatus = "expired"
	StatusError        ConnectionStatus = "error"
)

// EventSink receives what the client learns from the server. The
// middleware implements it; tests substitute doubles.
type EventSink interface {
	UpdateBotUser(user bot.User)
	AddUser(id string, user bot.User)
	ProcessMessage(event *WSEvent)
}

// RestResult is the normalized outcome of a REST call. Transport
// failures are mapped to synthetic statuses (408 on timeout, 500
// otherwise) so callers only branch on StatusCode.
type RestResult struct {
	StatusCode    int
	StatusMessage string
	Body          []byte
}

// WSEvent is one frame from the Mattermost event stream.
type WSEvent struct {
	Event string      `json:"event"`
	Data  WSEventData `json:"data"`
	Seq   int64       `json:"seq"`
}

// WSEventData carries the posted-event fields the adapter consumes.
// Post is kept raw: Mattermost embeds it as a JSON string, the dummy
// chat server sends it as a plain object.
type WSEventData struct {
	ChannelDisplayName string          `json:"channel_display_name"`
	ChannelName        string          `json:"channel_name"`
	ChannelType        string          `json:"channel_type"`
	SenderName         string          `json:"sender_name"`
	TeamID             string          `json:"team_id"`
	Post               json.RawMessage `json:"post"`
}

// Post is the inner message of a posted event.
type Post struct {
	ID        string `json:"id"`
	UserID    string `json:"user_id"`
	ChannelID string `json:"channel_id"`
	RootID    string `json:"root_id"`
	Message   string `json:"message"`
}

// DecodePost unwraps the post payload of a posted event, accepting both
// the string-embedded form Mattermost sends and the plain-object form
// the dummy chat server sends.
func DecodePost(raw json.RawMessage) (*Post, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("empty post payload")
	}

	if trimmed[0] == '"' {
		var embedded string
		if err := json.Unmarshal(trimmed, &embedded); err != nil {
			return nil, fmt.Errorf("failed to unwrap post payload: %w", err)
		}
		trimmed = []byte(embedded)
	}

	var post Post
	if err := json.Unmarshal(trimmed, &post); err != nil {
		return nil, fmt.Errorf("failed to decode post payload: %w", err)
	}
	return &post, nil
}

// authenticationChallenge is sent right after the socket opens.
type authenticationChallenge struct {
	Seq    int64  `json:"seq"`
	Action string `json:"action"`
	Data   struct {
		Token string `json:"token"`
	} `json:"data"`
}

// Client manages the Mattermost connection lifecycle: REST
// authentication, the WebSocket with its heartbeat, and reconnection
// with linear backoff.
type Client struct {
	sink   EventSink
	option *bot.MattermostOption
	log    *logrus.Logger

	httpClient *http.Client
	baseURL    string
	authPath   string
	dialer     *websocket.Dialer

	heartbeatInterval time.Duration
	backoffUnit       time.Duration
	autoReconnect     bool

	mu             sync.Mutex
	status         ConnectionStatus
	conn           *websocket.Conn
	teamID         string
	reconnectCount int
	lastBackoff    time.Duration
	lastPong       time.Time
	heartbeatStop  chan struct{}
	closing        bool
}

// ClientConfig adjusts endpoints for servers that emulate the
// Mattermost API, such as the local dummy chat server.
type ClientConfig struct {
	// AuthPath is the REST path used to authenticate and resolve the
	// bot user. Defaults to /users/me.
	AuthPath string
	// TeamID skips team discovery when set.
	TeamID string
}

// NewClient creates a client for the given server. The connection is
// not opened until Connect.
func NewClient(sink EventSink, option *bot.MattermostOption, log *logrus.Logger) *Client {
	return NewClientWithConfig(sink, option, log, ClientConfig{})
}

// NewClientWithConfig creates a client with custom endpoints.
func NewClientWithConfig(sink EventSink, option *bot.MattermostOption, log *logrus.Logger, config ClientConfig) *Client {
	baseURL := fmt.Sprintf("%s://%s:%d%s", option.Protocol, option.HostName, option.Port, option.BasePath)

	transport := &http.Transport{}
	dialer := &websocket.Dialer{HandshakeTimeout: constants.RestRequestTimeout}
	if option.Protocol == "https" && option.TLSCertificate != "" {
		pool := x509.NewCertPool()
		if pool.AppendCertsFromPEM([]byte(option.TLSCertificate)) {
			tlsConfig := &tls.Config{RootCAs: pool}
			transport.TLSClientConfig = tlsConfig
			dialer.TLSClientConfig = tlsConfig
		} else {
			log.Warn("failed-to-parse-tls-certificate")
		}
	}

	authPath := config.AuthPath
	if authPath == "" {
		authPath = "/users/me"
	}

	return &Client{
		sink:   sink,
		option: option,
		log:    log,
		httpClient: &http.Client{
			Timeout:   constants.RestRequestTimeout,
			Transport: transport,
		},
		baseURL:           baseURL,
		authPath:          authPath,
		dialer:            dialer,
		teamID:            config.TeamID,
		heartbeatInterval: constants.HeartbeatInterval,
		backoffUnit:       constants.ReconnectBackoffUnit,
		autoReconnect:     true,
		status:            StatusNotConnected,
	}
}

// Status returns the current connection status.
func (c *Client) Status() ConnectionStatus {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Connect authenticates over REST and opens the WebSocket. Calling it
// while a connection attempt is already running is a no-op. Failures
// schedule a reconnect and are returned for logging.
func (c *Client) Connect() error {
	c.mu.Lock()
	if c.status == StatusConnecting {
		c.mu.Unlock()
		return nil
	}
	c.status = StatusConnecting
	c.mu.Unlock()

	result := c.get(c.baseURL + c.authPath)
	if result.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"status_code":    result.StatusCode,
			"status_message": result.StatusMessage,
		}).Error("failed-to-connect-to-mattermost-server")

		c.mu.Lock()
		c.status = StatusNotConnected
		c.mu.Unlock()
		c.Reconnect()
		return fmt.Errorf("mattermost authentication failed: %s", result.StatusMessage)
	}

	var me struct {
		ID       string `json:"id"`
		Username string `json:"username"`
	}
	if err := json.Unmarshal(result.Body, &me); err != nil {
		c.mu.Lock()
		c.status = StatusNotConnected
		c.mu.Unlock()
		c.Reconnect()
		return fmt.Errorf("failed to decode bot user: %w", err)
	}
	c.sink.UpdateBotUser(bot.User{ID: me.ID, Name: me.Username})
	c.log.WithField("user", me.Username).Debug("logged-in-through-rest-api")

	c.fetchTeamID()

	wsProtocol := "ws"
	if c.option.Protocol == "https" {
		wsProtocol = "wss"
	}
	wsURL := fmt.Sprintf("%s://%s:%d%s/websocket", wsProtocol, c.option.HostName, c.option.Port, c.option.BasePath)
	c.log.WithField("url", wsURL).Debug("dialing-websocket")

	conn, _, err := c.dialer.Dial(wsURL, nil)
	if err != nil {
		c.log.WithError(err).Error("failed-to-dial-websocket")
		c.mu.Lock()
		c.status = StatusNotConnected
		c.mu.Unlock()
		c.Reconnect()
		return fmt.Errorf("websocket dial failed: %w", err)
	}

	c.onOpen(conn)
	go c.readLoop(conn)
	return nil
}

// onOpen marks the connection alive, sends the authentication
// challenge and starts the heartbeat. The alive transition is
// optimistic: the server's own hello event has not arrived yet, a race
// the heartbeat's grace window covers.
func (c *Client) onOpen(conn *websocket.Conn) {
	challenge := authenticationChallenge{Seq: 1, Action: "authentication_challenge"}
	challenge.Data.Token = c.option.BotAccessToken

	c.mu.Lock()
	c.conn = conn
	c.status = StatusAlive
	c.reconnectCount = 0
	c.lastPong = time.Time{}
	stop := make(chan struct{})
	c.heartbeatStop = stop
	c.mu.Unlock()

	conn.SetPongHandler(func(string) error {
		c.log.Debug("received-heartbeat-pong")
		c.mu.Lock()
		c.lastPong = time.Now()
		c.mu.Unlock()
		return nil
	})

	if err := conn.WriteJSON(challenge); err != nil {
		c.log.WithError(err).Error("failed-to-send-authentication-challenge")
	}

	go c.heartbeatLoop(conn, stop)
}

// heartbeatLoop pings the server every interval while the connection is
// alive. It declares the connection expired when no pong-equivalent
// event arrived within the grace window, and triggers exactly one
// reconnect before returning.
func (c *Client) heartbeatLoop(conn *websocket.Conn, stop chan struct{}) {
	ticker := time.NewTicker(c.heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			c.mu.Lock()
			status := c.status
			lastPong := c.lastPong
			c.mu.Unlock()

			if status != StatusAlive {
				c.log.Error("websocket-not-alive-reconnecting")
				c.Reconnect()
				return
			}
			if !lastPong.IsZero() && time.Since(lastPong) > time.Duration(constants.PongGraceFactor)*c.heartbeatInterval {
				c.log.Error("heartbeat-pong-overdue-reconnecting")
				c.mu.Lock()
				c.status = StatusExpired
				c.mu.Unlock()
				c.Reconnect()
				return
			}

			c.log.Debug("sending-heartbeat-ping")
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
				c.log.WithError(err).Warn("failed-to-send-heartbeat-ping")
			}
		}
	}
}

// readLoop consumes frames until the connection drops, then runs the
// close transition.
func (c *Client) readLoop(conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			c.onClose(err)
			return
		}

		var event WSEvent
		if err := json.Unmarshal(data, &event); err != nil {
			c.log.WithError(err).Error("failed-to-decode-websocket-event")
			continue
		}

		switch event.Event {
		case "posted":
			c.sink.ProcessMessage(&event)
		case "hello":
			// The hello event arrives once authentication succeeded;
			// use it as the first pong.
			c.mu.Lock()
			c.lastPong = time.Now()
			c.mu.Unlock()
		default:
			// Other event types are not consumed by the adapter.
		}
	}
}

func (c *Client) onClose(err error) {
	c.mu.Lock()
	// Reconnect closes the stale socket itself; the read loop waking
	// up from that close must not restart the reconnect cycle.
	if c.status == StatusReconnecting {
		c.mu.Unlock()
		c.log.Debug("websocket-closed-during-reconnect")
		return
	}
	closing := c.closing
	c.status = StatusClosed
	c.mu.Unlock()

	if closing {
		c.log.Debug("websocket-closed")
		return
	}

	c.log.WithError(err).Debug("websocket-closed")
	if c.autoReconnect {
		c.Reconnect()
	}
}

// Reconnect tears down the current socket and schedules a delayed
// Connect. The delay grows linearly with the consecutive reconnect
// count; a concurrent reconnect is a no-op.
func (c *Client) Reconnect() {
	c.mu.Lock()
	if c.status == StatusReconnecting {
		c.mu.Unlock()
		c.log.Debug("reconnect-already-in-progress")
		return
	}
	c.status = StatusReconnecting

	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}

	c.reconnectCount++
	delay := time.Duration(c.reconnectCount) * c.backoffUnit
	c.lastBackoff = delay
	c.mu.Unlock()

	c.log.WithField("delay", delay).Debug("scheduling-reconnect")
	time.AfterFunc(delay, func() {
		c.log.Debug("trying-to-reconnect")
		c.mu.Lock()
		c.status = StatusNotConnected
		c.mu.Unlock()
		if err := c.Connect(); err != nil {
			c.log.WithError(err).Error("reconnect-attempt-failed")
		}
	})
}

// Disconnect closes the connection without triggering a reconnect.
func (c *Client) Disconnect() {
	c.mu.Lock()
	c.closing = true
	if c.heartbeatStop != nil {
		close(c.heartbeatStop)
		c.heartbeatStop = nil
	}
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()

	if conn != nil {
		conn.Close()
	}
}

// fetchTeamID resolves the bot's team id by matching the configured
// team URL. Lookups by channel name need it. A preset team id skips
// discovery.
func (c *Client) fetchTeamID() {
	c.mu.Lock()
	preset := c.teamID != ""
	c.mu.Unlock()
	if preset {
		return
	}

	result := c.get(c.baseURL + "/users/me/teams")
	if result.StatusCode != http.StatusOK {
		c.log.WithField("status_message", result.StatusMessage).Error("failed-to-get-team-id")
		return
	}

	var teams []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(result.Body, &teams); err != nil {
		c.log.WithError(err).Error("failed-to-decode-teams")
		return
	}

	for _, team := range teams {
		if strings.EqualFold(team.Name, c.option.TeamURL) {
			c.log.WithField("team_id", team.ID).Debug("found-team-id")
			c.mu.Lock()
			c.teamID = team.ID
			c.mu.Unlock()
		}
	}
}

// SendMessage posts a message to a channel, threading it under rootID
// when given. The message may be a plain string or a map carrying
// "message" and optional "props".
func (c *Client) SendMessage(message any, channelID string, rootID string) error {
	postObject := map[string]any{
		"root_id":    rootID,
		"channel_id": channelID,
	}

	switch msg := message.(type) {
	case string:
		postObject["message"] = msg
	case map[string]any:
		postObject["message"] = msg["message"]
		if props, ok := msg["props"]; ok {
			postObject["props"] = props
		}
	default:
		return fmt.Errorf("unsupported mattermost message body %T", message)
	}

	result := c.post(c.baseURL+"/posts", postObject)
	if result.StatusCode != http.StatusOK && result.StatusCode != http.StatusCreated {
		return fmt.Errorf("failed to post message: %s", result.StatusMessage)
	}
	return nil
}

// OpenDialog opens an interactive dialog.
func (c *Client) OpenDialog(payload any) error {
	result := c.post(c.baseURL+"/actions/dialogs/open", payload)
	if result.StatusCode != http.StatusOK {
		return fmt.Errorf("failed to open dialog: %s", result.StatusMessage)
	}
	return nil
}

// GetChannelByID resolves a channel. A nil channel with a nil error
// means the lookup failed and was logged.
func (c *Client) GetChannelByID(id string) *bot.Channel {
	result := c.get(c.baseURL + "/channels/" + id)
	if result.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"channel_id":     id,
			"status_message": result.StatusMessage,
		}).Error("failed-to-get-channel")
		return nil
	}
	return c.decodeChannel(result.Body)
}

// GetChannelByName resolves a channel by name within the bot's team.
func (c *Client) GetChannelByName(name string) *bot.Channel {
	c.mu.Lock()
	teamID := c.teamID
	c.mu.Unlock()

	if teamID == "" {
		c.log.Error("could-not-get-channel-without-team-id")
		return nil
	}

	result := c.get(c.baseURL + "/teams/" + teamID + "/channels/name/" + name)
	if result.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"channel_name":   name,
			"status_message": result.StatusMessage,
		}).Error("failed-to-get-channel-by-name")
		return nil
	}
	return c.decodeChannel(result.Body)
}

func (c *Client) decodeChannel(body []byte) *bot.Channel {
	var channel struct {
		ID          string `json:"id"`
		DisplayName string `json:"display_name"`
		Type        string `json:"type"`
	}
	if err := json.Unmarshal(body, &channel); err != nil {
		c.log.WithError(err).Error("failed-to-decode-channel")
		return nil
	}
	return &bot.Channel{
		ID:           channel.ID,
		Name:         channel.DisplayName,
		ChattingType: c.GetChattingType(channel.Type),
	}
}

// GetChattingType maps a Mattermost channel-type code to the
// normalized classification. Unrecognized codes map to unknown with a
// warning.
func (c *Client) GetChattingType(channelType string) bot.ChattingType {
	switch channelType {
	case "D": // direct message
		return bot.ChattingPersonal
	case "O": // public channel
		return bot.ChattingPublicChannel
	case "P": // private channel
		return bot.ChattingPrivateChannel
	case "G": // group chat
		return bot.ChattingGroup
	default:
		c.log.WithField("channel_type", channelType).Warn("unsupported-channel-type")
		return bot.ChattingUnknown
	}
}

// GetUserByID fetches a user and records it in the sink's cache.
func (c *Client) GetUserByID(id string) *bot.User {
	result := c.get(c.baseURL + "/users/" + id)
	if result.StatusCode != http.StatusOK {
		c.log.WithFields(logrus.Fields{
			"user_id":        id,
			"status_message": result.StatusMessage,
		}).Error("failed-to-get-user")
		return nil
	}

	var body struct {
		ID       string `json:"id"`
		Username string `json:"username"`
		Email    string `json:"email"`
	}
	if err := json.Unmarshal(result.Body, &body); err != nil {
		c.log.WithError(err).Error("failed-to-decode-user")
		return nil
	}

	user := bot.User{ID: body.ID, Name: body.Username, Email: body.Email}
	c.sink.AddUser(body.ID, user)
	return &user
}

func (c *Client) get(url string) RestResult {
	req, err := http.NewRequest(http.MethodGet, url, nil)
	if err != nil {
		return RestResult{StatusCode: constants.StatusInternalError, StatusMessage: "Internal Server Error"}
	}
	return c.do(req)
}

func (c *Client) post(url string, body any) RestResult {
	data, err := json.Marshal(body)
	if err != nil {
		return RestResult{StatusCode: constants.StatusInternalError, StatusMessage: "Internal Server Error"}
	}
	req, err := http.NewRequest(http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return RestResult{StatusCode: constants.StatusInternalError, StatusMessage: "Internal Server Error"}
	}
	return c.do(req)
}

// do runs the request with bearer auth and normalizes transport
// failures into synthetic statuses so callers only branch on the code.
func (c *Client) do(req *http.Request) RestResult {
	req.Header.Set("Authorization", "BEARER "+c.option.BotAccessToken)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return RestResult{StatusCode: constants.StatusRequestTimeout, StatusMessage: "Request Timeout"}
		}
		c.log.WithError(err).Error("rest-request-failed")
		return RestResult{StatusCode: constants.StatusInternalError, StatusMessage: "Internal Server Error"}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		c.log.WithError(err).Error("failed-to-read-rest-response")
		return RestResult{StatusCode: constants.StatusInternalError, StatusMessage: "Internal Server Error"}
	}

	return RestResult{
		StatusCode:    resp.StatusCode,
		StatusMessage: http.StatusText(resp.StatusCode),
		Body:          body,
	}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
