package player

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
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

type fixture struct {
	player  *Player
	store   *store.Store
	nests   *nests.Manager
	queue   *queue.Engine
	history *history.Log
	nest    models.Nest
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zerolog.Nop())

	nm := nests.NewManager(st, nil, 120, zerolog.Nop())
	nest, err := nm.Create(context.Background(), "alice", nests.CreateOptions{Name: "Player Test"})
	require.NoError(t, err)

	cat := catalog.New("id", "secret", "US", st, zerolog.Nop())
	qe := queue.NewEngine(st, nm, cat, queue.Config{MaxDepth: 25, FreeAirhornJams: 4}, zerolog.Nop())
	hist, err := history.New(t.TempDir(), st, zerolog.Nop())
	require.NoError(t, err)
	// auto-fill off so idle loops never reach for the catalog
	be := bender.NewEngine(st, cat, qe, hist, bender.Config{
		Enabled: false, MaxMinutes: 90, FilterTTL: time.Hour,
		Weights: map[string]int{bender.StrategyThrowback: 1},
	}, zerolog.Nop())

	return &fixture{
		player:  New(st, nm, qe, be, hist, zerolog.Nop()),
		store:   st,
		nests:   nm,
		queue:   qe,
		history: hist,
		nest:    nest,
	}
}

func jsonMarshal(nest models.Nest) (string, error) {
	raw, err := json.Marshal(nest)
	return string(raw), err
}

func addTrack(t *testing.T, f *fixture, user, title string, opts queue.AddOptions) int64 {
	t.Helper()
	id, err := f.queue.AddSong(context.Background(), f.nest.NestID, user,
		models.Song{TrackID: "spotify:track:" + title, Src: "spotify", Title: title, Duration: 180}, opts)
	require.NoError(t, err)
	return id
}

func TestPopNextEmptyQueue(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.Set(ctx, store.NowPlayingKey(f.nest.NestID), "7"))
	_, ok, err := f.player.popNext(ctx, f.nest)
	require.NoError(t, err)
	assert.False(t, ok)

	// An empty pop clears the stale now-playing pointer.
	_, exists, err := f.store.Get(ctx, store.NowPlayingKey(f.nest.NestID))
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestPopNextHumanTrackResetsSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := addTrack(t, f, "alice", "fresh", queue.AddOptions{})

	entry, ok, err := f.player.popNext(ctx, f.nest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, entry.ID)

	np, found, err := f.store.Get(ctx, store.NowPlayingKey(f.nest.NestID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "1", np)

	seed, found, err := f.store.Get(ctx, store.LastQueuedKey(f.nest.NestID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "spotify:track:fresh", seed)
}

func TestPopNextAutoTrackKeepsSeed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	addTrack(t, f, models.BotUser, "fill", queue.AddOptions{Auto: true})
	_, ok, err := f.player.popNext(ctx, f.nest)
	require.NoError(t, err)
	require.True(t, ok)

	_, found, err := f.store.Get(ctx, store.LastQueuedKey(f.nest.NestID))
	require.NoError(t, err)
	assert.False(t, found, "bot fills do not become the seed")
}

func TestPopNextSkipsExpiredEntries(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ghost := addTrack(t, f, "alice", "ghost", queue.AddOptions{})
	real := addTrack(t, f, "bob", "real", queue.AddOptions{})

	// The ghost entry's detail hash expired but its queue position
	// survived.
	require.NoError(t, f.store.Del(ctx, store.QueueEntryKey(f.nest.NestID, ghost)))

	entry, ok, err := f.player.popNext(ctx, f.nest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, real, entry.ID)
}

func TestLogFinishedWritesLastPlayed(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := addTrack(t, f, "alice", "done", queue.AddOptions{})
	require.NoError(t, f.queue.Jam(ctx, f.nest.NestID, "bob", id))

	entry, ok, err := f.queue.Entry(ctx, f.nest.NestID, id)
	require.NoError(t, err)
	require.True(t, ok)
	f.player.logFinished(ctx, f.nest.NestID, models.NowPlaying{Song: entry.Song})

	last, found, err := f.queue.LastPlayed(ctx, f.nest.NestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "done", last.Title)
	require.Len(t, last.Jams, 1)
	assert.Equal(t, "bob", last.Jams[0].User)
	assert.NotEmpty(t, last.EndTime)
}

func TestRunLogsFinishedTrack(t *testing.T) {
	if testing.Short() {
		t.Skip("drives the playhead in real time")
	}
	f := newFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	id, err := f.queue.AddSong(ctx, f.nest.NestID, "alice",
		models.Song{TrackID: "spotify:track:quick", Src: "spotify", Title: "Quick", Duration: 5},
		queue.AddOptions{})
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		defer close(done)
		f.player.Run(ctx, f.nest.NestID)
	}()

	// the track is five seconds long; once the playhead rolls past it the
	// play must land in history
	require.Eventually(t, func() bool {
		plays, err := f.history.Recent(ctx, 5)
		return err == nil && len(plays) == 1 && plays[0].Title == "Quick"
	}, 30*time.Second, 200*time.Millisecond, "finished track never reached the play log")

	last, found, err := f.queue.LastPlayed(ctx, f.nest.NestID)
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "Quick", last.Title)
	assert.Equal(t, "alice", last.User)
	assert.NotEmpty(t, last.EndTime)

	cancel()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("playhead did not stop on cancel")
	}

	// the finished entry's detail hash was cleaned up after logging
	_, ok, err := f.queue.Entry(context.Background(), f.nest.NestID, id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestReapOnce(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	sup := NewSupervisor(f.player, f.nests, f.queue, zerolog.Nop())

	// Backdate the test nest far past its TTL.
	stale := f.nest
	stale.LastActivity = time.Now().UTC().Add(-24 * time.Hour)
	raw, err := jsonMarshal(stale)
	require.NoError(t, err)
	require.NoError(t, f.store.HSet(ctx, store.RegistryKey, map[string]string{stale.NestID: raw}))

	// A second nest is idle but has a member, so it survives.
	busy, err := f.nests.Create(ctx, "bob", nests.CreateOptions{Name: "Busy"})
	require.NoError(t, err)
	busyStale := busy
	busyStale.LastActivity = time.Now().UTC().Add(-24 * time.Hour)
	raw, err = jsonMarshal(busyStale)
	require.NoError(t, err)
	require.NoError(t, f.store.HSet(ctx, store.RegistryKey, map[string]string{busy.NestID: raw}))
	require.NoError(t, f.nests.Join(ctx, busy.NestID, "bob"))

	require.NoError(t, sup.reapOnce(ctx))

	_, err = f.nests.Get(ctx, stale.NestID)
	assert.ErrorIs(t, err, nests.ErrNotFound)
	_, err = f.nests.Get(ctx, busy.NestID)
	assert.NoError(t, err)
}
