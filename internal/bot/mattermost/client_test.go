package mattermost

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openchatops/chatbridge/internal/bot"
)

type recordingSink struct {
	mu      sync.Mutex
	botUser bot.User
	users   map[string]bot.User
	events  []*WSEvent
}

func newRecordingSink() *recordingSink {
	return &recordingSink{users: map[string]bot.User{}}
}

func (s *recordingSink) UpdateBotUser(user bot.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.botUser = user
}

func (s *recordingSink) AddUser(id string, user bot.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[id] = user
}

func (s *recordingSink) ProcessMessage(event *WSEvent) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, event)
}

func (s *recordingSink) BotUser() bot.User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.botUser
}

// testServer fakes the REST and WebSocket surface the client talks to.
type testServer struct {
	server   *httptest.Server
	upgrader websocket.Upgrader

	mu     sync.Mutex
	frames []map[string]any
	conns  []*websocket.Conn
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{}

	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/users/me", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]string{"id": "bot-id", "username": "zbot"})
	})
	mux.HandleFunc("/api/v4/users/me/teams", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode([]map[string]string{{"id": "team-1", "name": "core"}})
	})
	mux.HandleFunc("/api/v4/users/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v4/users/")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "username": "nancy", "email": "nancy@example.com"})
	})
	mux.HandleFunc("/api/v4/channels/", func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimPrefix(r.URL.Path, "/api/v4/channels/")
		json.NewEncoder(w).Encode(map[string]string{"id": id, "display_name": "Town Square", "type": "O"})
	})
	mux.HandleFunc("/api/v4/teams/team-1/channels/name/", func(w http.ResponseWriter, r *http.Request) {
		name := strings.TrimPrefix(r.URL.Path, "/api/v4/teams/team-1/channels/name/")
		if name == "ghost-town" {
			http.Error(w, "not found", http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(map[string]string{"id": "chan-" + name, "display_name": name, "type": "P"})
	})
	mux.HandleFunc("/api/v4/websocket", func(w http.ResponseWriter, r *http.Request) {
		conn, err := ts.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		ts.mu.Lock()
		ts.conns = append(ts.conns, conn)
		ts.mu.Unlock()
		for {
			var frame map[string]any
			if err := conn.ReadJSON(&frame); err != nil {
				return
			}
			ts.mu.Lock()
			ts.frames = append(ts.frames, frame)
			ts.mu.Unlock()
		}
	})

	ts.server = httptest.NewServer(mux)
	t.Cleanup(ts.server.Close)
	return ts
}

func (ts *testServer) option(t *testing.T) *bot.MattermostOption {
	t.Helper()
	parsed, err := url.Parse(ts.server.URL)
	require.NoError(t, err)
	port, err := strconv.Atoi(parsed.Port())
	require.NoError(t, err)

	return &bot.MattermostOption{
		Protocol:       "http",
		HostName:       parsed.Hostname(),
		Port:           port,
		BasePath:       "/api/v4",
		TeamURL:        "core",
		BotUserName:    "zbot",
		BotAccessToken: "access-token-0123456789",
	}
}

func (ts *testServer) receivedFrames() []map[string]any {
	ts.mu.Lock()
	defer ts.mu.Unlock()
	frames := make([]map[string]any, len(ts.frames))
	copy(frames, ts.frames)
	return frames
}

func newTestClient(t *testing.T, sink EventSink, option *bot.MattermostOption) *Client {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	c := NewClient(sink, option, log)
	// Keep scheduled reconnects out of the test's way.
	c.backoffUnit = time.Hour
	t.Cleanup(c.Disconnect)
	return c
}

func TestConnect_ReachesAliveAndSendsAuthChallenge(t *testing.T) {
	ts := newTestServer(t)
	sink := newRecordingSink()
	c := newTestClient(t, sink, ts.option(t))

	require.NoError(t, c.Connect())

	assert.Equal(t, StatusAlive, c.Status())
	assert.Equal(t, bot.User{ID: "bot-id", Name: "zbot"}, sink.BotUser())
	assert.Equal(t, "team-1", c.teamID)
	assert.Equal(t, 0, c.reconnectCount)

	require.Eventually(t, func() bool {
		return len(ts.receivedFrames()) > 0
	}, time.Second, 10*time.Millisecond)

	frame := ts.receivedFrames()[0]
	assert.Equal(t, float64(1), frame["seq"])
	assert.Equal(t, "authentication_challenge", frame["action"])
	data := frame["data"].(map[string]any)
	assert.Equal(t, "access-token-0123456789", data["token"])
}

func TestConnect_WhileConnectingIsNoOp(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	c.mu.Lock()
	c.status = StatusConnecting
	c.mu.Unlock()

	require.NoError(t, c.Connect())
	assert.Equal(t, StatusConnecting, c.Status())
}

func TestConnect_AuthFailureSchedulesReconnect(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/v4/users/me", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
	})
	server := httptest.NewServer(mux)
	defer server.Close()

	parsed, err := url.Parse(server.URL)
	require.NoError(t, err)
	port, _ := strconv.Atoi(parsed.Port())

	c := newTestClient(t, newRecordingSink(), &bot.MattermostOption{
		Protocol:       "http",
		HostName:       parsed.Hostname(),
		Port:           port,
		BasePath:       "/api/v4",
		BotAccessToken: "token",
	})

	require.Error(t, c.Connect())
	assert.Equal(t, StatusReconnecting, c.Status())
	assert.Equal(t, 1, c.reconnectCount)
}

func TestReconnect_BackoffGrowsLinearlyAndResetsOnOpen(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	for attempt := 1; attempt <= 3; attempt++ {
		c.Reconnect()
		assert.Equal(t, attempt, c.reconnectCount)
		assert.Equal(t, time.Duration(attempt)*c.backoffUnit, c.lastBackoff)

		// A new failure may only be observed once reconnecting ended.
		c.mu.Lock()
		c.status = StatusNotConnected
		c.mu.Unlock()
	}

	require.NoError(t, c.Connect())
	assert.Equal(t, 0, c.reconnectCount)

	c.Reconnect()
	assert.Equal(t, 1, c.reconnectCount)
	assert.Equal(t, c.backoffUnit, c.lastBackoff)
}

func TestReconnect_ConcurrentCallIsNoOp(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	c.Reconnect()
	c.Reconnect()
	assert.Equal(t, 1, c.reconnectCount)
}

func TestHeartbeat_ExpiresAfterMissedPongs(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))
	c.heartbeatInterval = 20 * time.Millisecond

	require.NoError(t, c.Connect())
	require.Equal(t, StatusAlive, c.Status())

	// Pretend the last pong arrived long before the grace window.
	c.mu.Lock()
	c.lastPong = time.Now().Add(-time.Hour)
	c.mu.Unlock()

	require.Eventually(t, func() bool {
		return c.Status() == StatusReconnecting
	}, time.Second, 5*time.Millisecond)

	// The read loop wakes from the torn-down socket shortly after;
	// that close must not restart the reconnect cycle.
	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, c.reconnectCount)
	assert.Equal(t, StatusReconnecting, c.Status())
}

func TestReconnect_TeardownCloseFiresOnlyOnce(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	require.NoError(t, c.Connect())
	require.Equal(t, StatusAlive, c.Status())

	c.Reconnect()
	require.Equal(t, StatusReconnecting, c.Status())

	// Give the read loop time to observe the closed socket and run
	// its close transition.
	time.Sleep(300 * time.Millisecond)

	assert.Equal(t, 1, c.reconnectCount)
	assert.Equal(t, c.backoffUnit, c.lastBackoff)
	assert.Equal(t, StatusReconnecting, c.Status())
}

func TestHelloEventActsAsFirstPong(t *testing.T) {
	ts := newTestServer(t)
	sink := newRecordingSink()
	c := newTestClient(t, sink, ts.option(t))

	require.NoError(t, c.Connect())

	ts.mu.Lock()
	require.NotEmpty(t, ts.conns)
	conn := ts.conns[0]
	ts.mu.Unlock()

	require.NoError(t, conn.WriteJSON(map[string]any{"event": "hello"}))

	assert.Eventually(t, func() bool {
		c.mu.Lock()
		defer c.mu.Unlock()
		return !c.lastPong.IsZero()
	}, time.Second, 10*time.Millisecond)
}

func TestReadLoop_DispatchesPostedEvents(t *testing.T) {
	ts := newTestServer(t)
	sink := newRecordingSink()
	c := newTestClient(t, sink, ts.option(t))

	require.NoError(t, c.Connect())

	ts.mu.Lock()
	conn := ts.conns[0]
	ts.mu.Unlock()

	require.NoError(t, conn.WriteJSON(map[string]any{
		"event": "posted",
		"data": map[string]any{
			"channel_type": "O",
			"channel_name": "town-square",
			"post":         `{"user_id":"u1","channel_id":"c1","message":"hi"}`,
		},
	}))

	require.Eventually(t, func() bool {
		sink.mu.Lock()
		defer sink.mu.Unlock()
		return len(sink.events) == 1
	}, time.Second, 10*time.Millisecond)

	sink.mu.Lock()
	event := sink.events[0]
	sink.mu.Unlock()
	assert.Equal(t, "posted", event.Event)
	assert.Equal(t, "O", event.Data.ChannelType)
}

func TestGet_TimeoutReturnsSynthetic408(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	}))
	defer slow.Close()

	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))
	c.httpClient.Timeout = 50 * time.Millisecond

	result := c.get(slow.URL)
	assert.Equal(t, 408, result.StatusCode)
	assert.Equal(t, "Request Timeout", result.StatusMessage)
}

func TestGet_ConnectionRefusedReturnsSynthetic500(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	result := c.get("http://127.0.0.1:1/api/v4/users/me")
	assert.Equal(t, 500, result.StatusCode)
	assert.Equal(t, "Internal Server Error", result.StatusMessage)
}

func TestGetChattingType(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	tests := []struct {
		code string
		want bot.ChattingType
	}{
		{"D", bot.ChattingPersonal},
		{"O", bot.ChattingPublicChannel},
		{"P", bot.ChattingPrivateChannel},
		{"G", bot.ChattingGroup},
		{"X", bot.ChattingUnknown},
		{"", bot.ChattingUnknown},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, c.GetChattingType(tt.code), "code %q", tt.code)
	}
}

func TestGetChannelByName_RequiresTeamID(t *testing.T) {
	ts := newTestServer(t)
	c := newTestClient(t, newRecordingSink(), ts.option(t))

	assert.Nil(t, c.GetChannelByName("town-square"))

	require.NoError(t, c.Connect())
	channel := c.GetChannelByName("town-square")
	require.NotNil(t, channel)
	assert.Equal(t, "chan-town-square", channel.ID)
	assert.Equal(t, bot.ChattingPrivateChannel, channel.ChattingType)
}

func TestGetUserByID_PopulatesSinkCache(t *testing.T) {
	ts := newTestServer(t)
	sink := newRecordingSink()
	c := newTestClient(t, sink, ts.option(t))

	user := c.GetUserByID("u42")
	require.NotNil(t, user)
	assert.Equal(t, "nancy", user.Name)
	assert.Equal(t, "nancy@example.com", user.Email)

	sink.mu.Lock()
	defer sink.mu.Unlock()
	assert.Contains(t, sink.users, "u42")
}

func TestDecodePost(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want Post
	}{
		{
			name: "string-embedded post from mattermost",
			raw:  `"{\"user_id\":\"u1\",\"channel_id\":\"c1\",\"root_id\":\"r1\",\"message\":\"hello\"}"`,
			want: Post{UserID: "u1", ChannelID: "c1", RootID: "r1", Message: "hello"},
		},
		{
			name: "object post from the dummy chat server",
			raw:  `{"user_id":"u2","channel_id":"c2","message":"hi"}`,
			want: Post{UserID: "u2", ChannelID: "c2", Message: "hi"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			post, err := DecodePost(json.RawMessage(tt.raw))
			require.NoError(t, err)
			assert.Equal(t, tt.want, *post)
		})
	}
}

func TestDecodePost_Malformed(t *testing.T) {
	for _, raw := range []string{"", "   ", `"not json"`, `42`} {
		_, err := DecodePost(json.RawMessage(raw))
		assert.Error(t, err, "raw %q", raw)
	}
}
