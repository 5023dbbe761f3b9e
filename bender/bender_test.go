package bender

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

func testWeights() map[string]int {
	return map[string]int{
		StrategyGenre:        35,
		StrategyThrowback:    30,
		StrategyArtistSearch: 25,
		StrategyTopTracks:    5,
		StrategyAlbum:        5,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, *history.Log, models.Nest, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zerolog.Nop())

	nm := nests.NewManager(st, nil, 120, zerolog.Nop())
	nest, err := nm.Create(context.Background(), "alice", nests.CreateOptions{Name: "Bender Test"})
	require.NoError(t, err)

	cat := catalog.New("test-id", "test-secret", "US", st, zerolog.Nop())
	qe := queue.NewEngine(st, nm, cat, queue.Config{MaxDepth: 25, FreeAirhornJams: 4}, zerolog.Nop())
	hist, err := history.New(t.TempDir(), st, zerolog.Nop())
	require.NoError(t, err)

	cfg := Config{Enabled: true, MaxMinutes: 90, FilterTTL: 14 * 24 * time.Hour, Weights: testWeights()}
	return NewEngine(st, cat, qe, hist, cfg, zerolog.Nop()), st, hist, nest, mr
}

// warmSeed pre-populates the seed-info cache so tests never hit the
// catalog for seed resolution.
func warmSeed(t *testing.T, st *store.Store, nestID string) {
	t.Helper()
	require.NoError(t, st.HSet(context.Background(), seedInfoKey(nestID), map[string]string{
		"seed_uri":    "spotify:track:seed",
		"artist_id":   "artist1",
		"artist_name": "Seed Artist",
		"album_id":    "album1",
		"genres":      `["jazz"]`,
	}))
}

// rateLimit forces the catalog into its back-off window so only the
// throwback strategy is drawable.
func rateLimit(t *testing.T, st *store.Store) {
	t.Helper()
	require.NoError(t, st.SetEx(context.Background(), store.RateLimitedKey, "1", time.Minute))
}

func TestFilterTrackExpires(t *testing.T) {
	e, _, _, nest, mr := newTestEngine(t)
	e.cfg.FilterTTL = time.Hour
	ctx := context.Background()

	require.NoError(t, e.FilterTrack(ctx, nest.NestID, "spotify:track:x"))
	filtered, err := e.Filtered(ctx, nest.NestID, "spotify:track:x")
	require.NoError(t, err)
	assert.True(t, filtered)

	mr.FastForward(2 * time.Hour)
	filtered, err = e.Filtered(ctx, nest.NestID, "spotify:track:x")
	require.NoError(t, err)
	assert.False(t, filtered)
}

func TestStreak(t *testing.T) {
	e, _, _, nest, _ := newTestEngine(t)
	ctx := context.Background()
	now := time.Now()

	exceeded, err := e.StreakExceeded(ctx, nest.NestID, now)
	require.NoError(t, err)
	assert.False(t, exceeded, "no streak means not exceeded")

	require.NoError(t, e.StartStreak(ctx, nest.NestID, now))
	exceeded, err = e.StreakExceeded(ctx, nest.NestID, now.Add(30*time.Minute))
	require.NoError(t, err)
	assert.False(t, exceeded)

	exceeded, err = e.StreakExceeded(ctx, nest.NestID, now.Add(91*time.Minute))
	require.NoError(t, err)
	assert.True(t, exceeded)

	// StartStreak does not reset a running streak.
	require.NoError(t, e.StartStreak(ctx, nest.NestID, now.Add(time.Hour)))
	exceeded, err = e.StreakExceeded(ctx, nest.NestID, now.Add(91*time.Minute))
	require.NoError(t, err)
	assert.True(t, exceeded)

	require.NoError(t, e.ClearStreak(ctx, nest.NestID))
	exceeded, err = e.StreakExceeded(ctx, nest.NestID, now.Add(91*time.Minute))
	require.NoError(t, err)
	assert.False(t, exceeded)
}

func TestThrowbackFillUnderRateLimit(t *testing.T) {
	e, st, hist, nest, _ := newTestEngine(t)
	ctx := context.Background()
	warmSeed(t, st, nest.NestID)
	rateLimit(t, st)

	// One play on the same weekday last week.
	lastWeek := time.Now().UTC().AddDate(0, 0, -7)
	require.NoError(t, hist.Append(ctx, models.Play{
		Song: models.Song{Src: "spotify", TrackID: "spotify:track:old", Title: "Oldie", User: "bob"},
	}, lastWeek))

	user, uri, ok, err := e.FillSong(ctx, nest)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spotify:track:old", uri)
	assert.Equal(t, "bob", user, "throwback keeps the original contributor")

	// The consumed track became the new bender seed.
	seed, found, err := st.Get(ctx, lastBenderKey(nest.NestID))
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "spotify:track:old", seed)

	// Nothing left: history had one candidate.
	_, _, ok, err = e.FillSong(ctx, nest)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestFillSkipsFilteredThrowback(t *testing.T) {
	e, st, hist, nest, _ := newTestEngine(t)
	ctx := context.Background()
	warmSeed(t, st, nest.NestID)
	rateLimit(t, st)

	lastWeek := time.Now().UTC().AddDate(0, 0, -7)
	require.NoError(t, hist.Append(ctx, models.Play{
		Song: models.Song{Src: "spotify", TrackID: "spotify:track:skipme", User: "bob"},
	}, lastWeek))
	require.NoError(t, e.FilterTrack(ctx, nest.NestID, "spotify:track:skipme"))

	_, _, ok, err := e.FillSong(ctx, nest)
	require.NoError(t, err)
	assert.False(t, ok, "filtered candidates never surface")
}

func TestPreviewFromWarmCaches(t *testing.T) {
	e, st, _, nest, _ := newTestEngine(t)
	ctx := context.Background()

	uri := "spotify:track:warm"
	require.NoError(t, st.RPush(ctx, cacheKey(nest.NestID, StrategyThrowback), uri))
	require.NoError(t, st.HSetField(ctx, throwbackUsersKey(nest.NestID), uri, "carol@example.com"))
	require.NoError(t, st.HSet(ctx, previewKey(nest.NestID), map[string]string{
		"trackid": uri, "user": "carol@example.com", "strategy": StrategyThrowback,
	}))
	require.NoError(t, st.HSet(ctx, fillInfoKey(uri), models.Song{
		TrackID: uri, Src: "spotify", Title: "Warm Tune", Artist: "The Warmers", Duration: 200,
	}.HashFields()))

	card := e.Preview(ctx, nest)
	assert.Equal(t, "The Warmers : Warm Tune", card.Title)
	assert.Equal(t, "carol (throwback)", card.Name)
	assert.Equal(t, "carol@example.com", card.User)
	assert.Equal(t, uri, card.TrackID)
	assert.True(t, card.PlaylistSrc)
	assert.False(t, card.DMButtons)

	// Peeking does not consume.
	head, ok, err := st.LIndex(ctx, cacheKey(nest.NestID, StrategyThrowback), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uri, head)
}

func TestPreviewFallbackWhenExhausted(t *testing.T) {
	e, st, _, nest, _ := newTestEngine(t)
	warmSeed(t, st, nest.NestID)
	rateLimit(t, st) // throwback only, and history is empty

	card := e.Preview(context.Background(), nest)
	assert.Equal(t, "No songs available", card.Title)
	assert.Equal(t, "Benderbot", card.Name)
}

func TestBenderFilterConsumesPreview(t *testing.T) {
	e, st, _, nest, _ := newTestEngine(t)
	ctx := context.Background()

	uri := "spotify:track:reject"
	require.NoError(t, st.RPush(ctx, cacheKey(nest.NestID, StrategyGenre), uri))
	require.NoError(t, st.HSet(ctx, previewKey(nest.NestID), map[string]string{
		"trackid": uri, "user": models.BotUser, "strategy": StrategyGenre,
	}))

	require.NoError(t, e.BenderFilter(ctx, nest, "alice", uri))

	filtered, err := e.Filtered(ctx, nest.NestID, uri)
	require.NoError(t, err)
	assert.True(t, filtered)

	n, err := st.LLen(ctx, cacheKey(nest.NestID, StrategyGenre))
	require.NoError(t, err)
	assert.Zero(t, n)

	preview, err := st.HGetAll(ctx, previewKey(nest.NestID))
	require.NoError(t, err)
	assert.Empty(t, preview)
}

func TestBenderQueueMismatchIsNoop(t *testing.T) {
	e, st, _, nest, _ := newTestEngine(t)
	ctx := context.Background()

	uri := "spotify:track:current"
	require.NoError(t, st.RPush(ctx, cacheKey(nest.NestID, StrategyGenre), uri))
	require.NoError(t, st.HSet(ctx, previewKey(nest.NestID), map[string]string{
		"trackid": uri, "user": models.BotUser, "strategy": StrategyGenre,
	}))

	// A stale client queues a track that is no longer the preview.
	require.NoError(t, e.BenderQueue(ctx, nest, "alice", "spotify:track:stale"))

	head, ok, err := st.LIndex(ctx, cacheKey(nest.NestID, StrategyGenre), 0)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, uri, head, "mismatched request leaves the cache alone")
}

func TestNoteHumanQueuedResetsState(t *testing.T) {
	e, st, _, nest, _ := newTestEngine(t)
	ctx := context.Background()
	warmSeed(t, st, nest.NestID)

	require.NoError(t, st.RPush(ctx, cacheKey(nest.NestID, StrategyGenre), "spotify:track:stale"))
	require.NoError(t, e.StartStreak(ctx, nest.NestID, time.Now()))

	require.NoError(t, e.NoteHumanQueued(ctx, nest.NestID, "spotify:track:fresh"))

	seed, ok, err := st.Get(ctx, store.LastQueuedKey(nest.NestID))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "spotify:track:fresh", seed)

	n, err := st.LLen(ctx, cacheKey(nest.NestID, StrategyGenre))
	require.NoError(t, err)
	assert.Zero(t, n)

	info, err := st.HGetAll(ctx, seedInfoKey(nest.NestID))
	require.NoError(t, err)
	assert.Empty(t, info)

	filtered, err := e.Filtered(ctx, nest.NestID, "spotify:track:fresh")
	require.NoError(t, err)
	assert.True(t, filtered, "the fresh seed is filtered against refills")

	exceeded, err := e.StreakExceeded(ctx, nest.NestID, time.Now().Add(200*time.Minute))
	require.NoError(t, err)
	assert.False(t, exceeded, "streak cleared")
}
