package session

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gorilla/websocket"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warble-fm/warble/bender"
	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

func TestSyncTokenRoundTrip(t *testing.T) {
	token, err := MintSyncToken("hunter2", "alice@example.com")
	require.NoError(t, err)

	subject, err := VerifySyncToken("hunter2", token)
	require.NoError(t, err)
	assert.Equal(t, "alice@example.com", subject)

	_, err = VerifySyncToken("wrong-secret", token)
	assert.Error(t, err)
}

func TestAuthenticatorStaticToken(t *testing.T) {
	auth := NewAuthenticator("tok-123", "", zerolog.Nop())

	r := httptest.NewRequest(http.MethodGet, "/api/queue/", nil)
	r.Header.Set("Authorization", "Bearer tok-123")
	identity, ok := auth.Identify(r)
	require.True(t, ok)
	assert.Equal(t, apiIdentity, identity)

	r.Header.Set("X-Warble-User", "bob@example.com")
	identity, ok = auth.Identify(r)
	require.True(t, ok)
	assert.Equal(t, "bob@example.com", identity)

	r.Header.Set("Authorization", "Bearer nope")
	r.Header.Del("X-Warble-User")
	_, ok = auth.Identify(r)
	assert.False(t, ok)
}

func TestWithAuth(t *testing.T) {
	auth := NewAuthenticator("tok-123", "hunter2", zerolog.Nop())
	var seen string
	handler := WithAuth(func(w http.ResponseWriter, r *http.Request) {
		seen = Identity(r.Context())
	}, auth)

	// no credential
	w := httptest.NewRecorder()
	handler(w, httptest.NewRequest(http.MethodPost, "/api/queue/skip", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Equal(t, "Bearer", w.Header().Get("WWW-Authenticate"))

	// sync token carries the subject through
	token, err := MintSyncToken("hunter2", "carol@example.com")
	require.NoError(t, err)
	r := httptest.NewRequest(http.MethodPost, "/api/queue/skip", nil)
	r.Header.Set("Authorization", "Bearer "+token)
	w = httptest.NewRecorder()
	handler(w, r)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "carol@example.com", seen)
}

func TestWithPossibleAuth(t *testing.T) {
	auth := NewAuthenticator("tok-123", "", zerolog.Nop())
	var seen string
	handler := WithPossibleAuth(func(w http.ResponseWriter, r *http.Request) {
		seen = Identity(r.Context())
	}, auth)

	handler(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/queue/", nil))
	assert.Equal(t, GuestIdentity, seen)
}

func TestNestIDFromPath(t *testing.T) {
	assert.Equal(t, "main", NestIDFromPath("/socket", "/socket"))
	assert.Equal(t, "main", NestIDFromPath("/socket/", "/socket"))
	assert.Equal(t, "abc123", NestIDFromPath("/socket/abc123", "/socket"))
	assert.Equal(t, "QWERT", NestIDFromPath("/volume/QWERT", "/volume"))
}

func TestEncodeFrame(t *testing.T) {
	frame, err := EncodeFrame("pp", "spotify", "spotify:track:x", 42)
	require.NoError(t, err)
	assert.Equal(t, `1["pp","spotify","spotify:track:x",42]`, string(frame))
}

type wsFixture struct {
	deps Deps
	nest models.Nest
	st   *store.Store
}

func newWSFixture(t *testing.T) *wsFixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zerolog.Nop())

	nm := nests.NewManager(st, nil, 120, zerolog.Nop())
	nest, err := nm.Create(context.Background(), "alice", nests.CreateOptions{Name: "Socket Test"})
	require.NoError(t, err)

	cat := catalog.New("id", "secret", "US", st, zerolog.Nop())
	qe := queue.NewEngine(st, nm, cat, queue.Config{MaxDepth: 25, FreeAirhornJams: 4}, zerolog.Nop())
	hist, err := history.New(t.TempDir(), st, zerolog.Nop())
	require.NoError(t, err)
	be := bender.NewEngine(st, cat, qe, hist, bender.Config{
		Enabled: true, MaxMinutes: 90, FilterTTL: time.Hour,
		Weights: map[string]int{bender.StrategyThrowback: 1},
	}, zerolog.Nop())

	return &wsFixture{
		deps: Deps{Store: st, Nests: nm, Queue: qe, Bender: be},
		nest: nest,
		st:   st,
	}
}

// dialSession stands up a server that runs one Session per connection
// and returns a connected client.
func dialSession(t *testing.T, f *wsFixture, identity string, volumeOnly bool) *websocket.Conn {
	t.Helper()
	upgrader := websocket.Upgrader{}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		New(conn, f.deps, f.nest, identity, volumeOnly, zerolog.Nop()).Run(r.Context())
	}))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func readFrame(t *testing.T, conn *websocket.Conn) []any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	_, raw, err := conn.ReadMessage()
	require.NoError(t, err)
	require.NotEmpty(t, raw)
	require.Equal(t, byte('1'), raw[0])

	var parts []any
	require.NoError(t, json.Unmarshal(raw[1:], &parts))
	return parts
}

func TestSessionVolumeIntent(t *testing.T) {
	f := newWSFixture(t)
	conn := dialSession(t, f, "bob", false)

	// give the pump a moment to subscribe before driving a change
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`1["on_set_volume",55]`)))

	deadline := time.Now().Add(5 * time.Second)
	for {
		parts := readFrame(t, conn)
		if parts[0] == "v" {
			assert.Equal(t, "55", parts[1])
			break
		}
		require.True(t, time.Now().Before(deadline), "never saw the volume event")
	}

	vol, err := f.deps.Queue.Volume(context.Background(), f.nest.NestID)
	require.NoError(t, err)
	assert.Equal(t, 55, vol)
}

func TestSessionJoinsMembership(t *testing.T) {
	f := newWSFixture(t)
	conn := dialSession(t, f, "bob", false)

	ctx := context.Background()
	require.Eventually(t, func() bool {
		n, err := f.deps.Nests.CountActiveMembers(ctx, f.nest.NestID)
		return err == nil && n == 1
	}, 5*time.Second, 20*time.Millisecond)

	conn.Close()
	require.Eventually(t, func() bool {
		n, err := f.deps.Nests.CountActiveMembers(ctx, f.nest.NestID)
		return err == nil && n == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestSessionBadIntent(t *testing.T) {
	f := newWSFixture(t)
	conn := dialSession(t, f, "bob", false)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`1["on_no_such_thing"]`)))
	deadline := time.Now().Add(5 * time.Second)
	for {
		parts := readFrame(t, conn)
		if parts[0] == "error" {
			assert.Contains(t, parts[1], "unknown event")
			break
		}
		require.True(t, time.Now().Before(deadline), "never saw the error event")
	}
}

func TestVolumeOnlySessionRejectsMusicIntents(t *testing.T) {
	f := newWSFixture(t)
	conn := dialSession(t, f, "bob", true)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`1["on_skip"]`)))
	parts := readFrame(t, conn)
	assert.Equal(t, "error", parts[0])
}

func TestVolumeOnlySessionFiltersEvents(t *testing.T) {
	f := newWSFixture(t)
	conn := dialSession(t, f, "bob", true)

	ctx := context.Background()
	// give the pump a moment to subscribe
	time.Sleep(100 * time.Millisecond)
	f.st.PublishNest(ctx, f.nest.NestID, store.MsgPlaylistUpdate)
	f.st.PublishNest(ctx, f.nest.NestID, store.VolumeMsg(80))

	parts := readFrame(t, conn)
	assert.Equal(t, "v", parts[0])
	assert.Equal(t, "80", parts[1])
}

func TestSessionJoinDeletingNest(t *testing.T) {
	f := newWSFixture(t)
	ctx := context.Background()
	require.NoError(t, f.st.SetEx(ctx, nests.DeletingKey(f.nest.NestID), "1", time.Minute))

	conn := dialSession(t, f, "bob", false)
	parts := readFrame(t, conn)
	assert.Equal(t, "error", parts[0])
	assert.Contains(t, parts[1], "shutting down")
}
