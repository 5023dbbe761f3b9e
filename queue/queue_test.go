package queue

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/store"
)

func testConfig() Config {
	return Config{
		MaxDepth:           25,
		FreeAirhornJams:    4,
		AirhornMax:         3,
		AirhornExpire:      300 * time.Second,
		AirhornMinLen:      5,
		AirhornExpireCount: 5,
	}
}

func newTestEngine(t *testing.T) (*Engine, *store.Store, string) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	st := store.NewWithClient(client, zerolog.Nop())
	nm := nests.NewManager(st, nil, 120, zerolog.Nop())

	nest, err := nm.Create(context.Background(), "alice", nests.CreateOptions{Name: "Test Nest"})
	require.NoError(t, err)

	return NewEngine(st, nm, nil, testConfig(), zerolog.Nop()), st, nest.NestID
}

func track(title string) models.Song {
	return models.Song{TrackID: "spotify:track:" + title, Src: "spotify", Title: title, Duration: 180}
}

func queueOrder(t *testing.T, e *Engine, nestID string) []string {
	t.Helper()
	queued, err := e.Queued(context.Background(), nestID)
	require.NoError(t, err)
	titles := make([]string, len(queued))
	for i, q := range queued {
		titles[i] = q.Title
	}
	return titles
}

func TestAddSongBasics(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "Alice", track("first"), AddOptions{})
	require.NoError(t, err)
	assert.Equal(t, int64(1), id)

	entry, ok, err := e.Entry(ctx, nestID, id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "alice", entry.User)
	assert.Equal(t, "222222", entry.BackgroundColor)
	assert.Zero(t, entry.Vote)
	assert.False(t, entry.Auto)

	queued, err := e.Queued(ctx, nestID)
	require.NoError(t, err)
	require.Len(t, queued, 1)
	assert.Equal(t, 1.0, queued[0].Score)
}

func TestFairShareInterleave(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	// Alice queues three, then Bob queues two. Bob's tracks interleave
	// ahead of Alice's surplus instead of appending at the tail.
	for i := 0; i < 3; i++ {
		_, err := e.AddSong(ctx, nestID, "alice", track(fmt.Sprintf("a%d", i)), AddOptions{})
		require.NoError(t, err)
	}
	_, err := e.AddSong(ctx, nestID, "bob", track("b0"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("b1"), AddOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"a0", "b0", "a1", "b1", "a2"}, queueOrder(t, e, nestID))
}

func TestAutoAppendsAtTail(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddSong(ctx, nestID, models.BotUser, track("fill0"), AddOptions{Auto: true})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, models.BotUser, track("fill1"), AddOptions{Auto: true})
	require.NoError(t, err)

	// A human addition interleaves ahead of the second bot fill.
	_, err = e.AddSong(ctx, nestID, "alice", track("human"), AddOptions{})
	require.NoError(t, err)

	assert.Equal(t, []string{"fill0", "human", "fill1"}, queueOrder(t, e, nestID))
}

func TestForceFirst(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	_, err := e.AddSong(ctx, nestID, "alice", track("normal"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("urgent"), AddOptions{ForceFirst: true})
	require.NoError(t, err)

	assert.Equal(t, []string{"urgent", "normal"}, queueOrder(t, e, nestID))
}

func TestQueueFull(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	e.cfg.MaxDepth = 2
	ctx := context.Background()

	_, err := e.AddSong(ctx, nestID, "alice", track("one"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("two"), AddOptions{})
	require.NoError(t, err)

	_, err = e.AddSong(ctx, nestID, "carol", track("three"), AddOptions{})
	assert.ErrorIs(t, err, ErrQueueFull)

	// Auto fills are exempt from the depth cap.
	_, err = e.AddSong(ctx, nestID, models.BotUser, track("fill"), AddOptions{Auto: true})
	assert.NoError(t, err)
}

func TestAddToDeletingNest(t *testing.T) {
	e, st, nestID := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, st.SetEx(ctx, nests.DeletingKey(nestID), "1", time.Minute))
	_, err := e.AddSong(ctx, nestID, "alice", track("late"), AddOptions{})
	assert.ErrorIs(t, err, nests.ErrNestDeleting)
}

func TestVoteMovesEntry(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	var ids []int64
	for _, user := range []string{"alice", "bob", "carol"} {
		id, err := e.AddSong(ctx, nestID, user, track(user+"-song"), AddOptions{})
		require.NoError(t, err)
		ids = append(ids, id)
	}

	// Dave upvotes the third entry: it swaps ahead of the second.
	require.NoError(t, e.Vote(ctx, nestID, "dave", ids[2], true))
	assert.Equal(t, []string{"alice-song", "carol-song", "bob-song"}, queueOrder(t, e, nestID))

	entry, ok, err := e.Entry(ctx, nestID, ids[2])
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, 1, entry.Vote)
	assert.NotEqual(t, "222222", entry.BackgroundColor)
}

func TestVoteDoubleVoteIgnored(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("target"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("other"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Vote(ctx, nestID, "carol", id, true))
	require.NoError(t, e.Vote(ctx, nestID, "carol", id, true))

	entry, _, err := e.Entry(ctx, nestID, id)
	require.NoError(t, err)
	assert.Equal(t, 1, entry.Vote)
}

func TestVoteSelfDownAllowed(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("regret"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("other"), AddOptions{})
	require.NoError(t, err)

	// The contributor is already in the vote set, but a self down-vote
	// goes through. The count does not decrement on self-downs.
	require.NoError(t, e.Vote(ctx, nestID, "alice", id, false))
	assert.Equal(t, []string{"other", "regret"}, queueOrder(t, e, nestID))
}

func TestVotePrivilegedRepeats(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	e.privileged["dj"] = true
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("banger"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Vote(ctx, nestID, "dj", id, true))
	require.NoError(t, e.Vote(ctx, nestID, "dj", id, true))

	entry, _, err := e.Entry(ctx, nestID, id)
	require.NoError(t, err)
	assert.Equal(t, 2, entry.Vote)
}

func TestVoteColors(t *testing.T) {
	bg, fg := voteColors(0)
	assert.Equal(t, "222222", bg)
	assert.Equal(t, "f0f0ff", fg)

	bg, fg = voteColors(5)
	assert.Equal(t, "444444", bg)
	assert.Equal(t, "f0f0ff", fg)

	bg, _ = voteColors(-5)
	assert.Equal(t, "000000", bg)

	// Partial ramp: two upvotes of five steps.
	bg, _ = voteColors(2)
	assert.Equal(t, "2f2f2f", bg)
}

func TestKillAndNuke(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("doomed"), AddOptions{})
	require.NoError(t, err)
	_, err = e.AddSong(ctx, nestID, "bob", track("also-doomed"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Kill(ctx, nestID, id))
	assert.Equal(t, []string{"also-doomed"}, queueOrder(t, e, nestID))

	// The detail hash survives a kill for late readers.
	_, ok, err := e.Entry(ctx, nestID, id)
	require.NoError(t, err)
	assert.True(t, ok)

	require.NoError(t, e.Nuke(ctx, nestID))
	size, err := e.Size(ctx, nestID)
	require.NoError(t, err)
	assert.Zero(t, size)
}

func TestJamToggleAndFreeHorn(t *testing.T) {
	e, st, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("jammed"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Jam(ctx, nestID, "Bob", id))
	jams, err := e.Jams(ctx, nestID, id)
	require.NoError(t, err)
	require.Len(t, jams, 1)
	assert.Equal(t, "bob", jams[0].User)

	// Toggle off.
	require.NoError(t, e.Jam(ctx, nestID, "bob", id))
	jams, err = e.Jams(ctx, nestID, id)
	require.NoError(t, err)
	assert.Empty(t, jams)

	// Mark the entry as now playing, then hit the jam threshold: the
	// contributor earns a free horn.
	require.NoError(t, st.Set(ctx, store.NowPlayingKey(nestID), "1"))
	for _, user := range []string{"bob", "carol", "dave", "erin"} {
		require.NoError(t, e.Jam(ctx, nestID, user, id))
	}
	free, err := e.FreeHornCount(ctx, nestID, "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), free)
}

func TestComments(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("discussed"), AddOptions{})
	require.NoError(t, err)

	require.NoError(t, e.Comment(ctx, nestID, "Bob", id, "what a tune"))
	comments, err := e.Comments(ctx, nestID, id)
	require.NoError(t, err)
	require.Len(t, comments, 1)
	assert.Equal(t, "bob", comments[0].User)
	assert.Equal(t, "what a tune", comments[0].Body)
	assert.NotZero(t, comments[0].Time)
}

func TestAirhornCapAndLog(t *testing.T) {
	e, st, nestID := newTestEngine(t)
	ctx := context.Background()

	id, err := e.AddSong(ctx, nestID, "alice", track("loud"), AddOptions{})
	require.NoError(t, err)
	require.NoError(t, st.Set(ctx, store.NowPlayingKey(nestID), "1"))

	for i := 0; i < 5; i++ {
		require.NoError(t, e.Airhorn(ctx, nestID, "bob", "classic"))
	}
	horns, err := e.Horns(ctx, nestID)
	require.NoError(t, err)
	assert.Len(t, horns, 3, "paid horns cap at AirhornMax")

	log, err := e.HornsForSong(ctx, nestID, id)
	require.NoError(t, err)
	assert.Len(t, log, 3)
	assert.False(t, log[0].Free)
}

func TestVolume(t *testing.T) {
	e, _, nestID := newTestEngine(t)
	ctx := context.Background()

	vol, err := e.Volume(ctx, nestID)
	require.NoError(t, err)
	assert.Equal(t, 95, vol)

	set, err := e.SetVolume(ctx, nestID, 150)
	require.NoError(t, err)
	assert.Equal(t, 100, set)

	set, err = e.SetVolume(ctx, nestID, -10)
	require.NoError(t, err)
	assert.Equal(t, 0, set)
}

func TestNowPlaying(t *testing.T) {
	e, st, nestID := newTestEngine(t)
	ctx := context.Background()

	np, ok, err := e.NowPlaying(ctx, nestID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.False(t, np.Paused)

	id, err := e.AddSong(ctx, nestID, "alice", track("playing"), AddOptions{})
	require.NoError(t, err)

	now := time.Now().UTC()
	require.NoError(t, st.Set(ctx, store.NowPlayingKey(nestID), "1"))
	require.NoError(t, st.Set(ctx, store.PlayerNowKey(nestID), fmt.Sprintf("%d", now.Unix())))
	require.NoError(t, st.Set(ctx, store.CurrentDoneKey(nestID), fmt.Sprintf("%d", now.Add(60*time.Second).Unix())))
	require.NoError(t, st.Set(ctx, store.StartedOnKey(nestID), fmt.Sprintf("%d", now.Add(-120*time.Second).Unix())))

	np, ok, err = e.NowPlaying(ctx, nestID)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, id, np.ID)
	assert.Equal(t, 120, np.Pos, "pos = duration - remaining")
	assert.NotEmpty(t, np.StartTime)
	assert.NotEmpty(t, np.EndTime)

	require.NoError(t, st.Set(ctx, store.PausedKey(nestID), "1"))
	np, _, err = e.NowPlaying(ctx, nestID)
	require.NoError(t, err)
	assert.True(t, np.Paused)
}
