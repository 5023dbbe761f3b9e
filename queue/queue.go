package queue

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/store"
)

// ErrQueueFull means the nest already holds its maximum of human entries.
var ErrQueueFull = errors.New("queue: queue is full")

const (
	entryTTL = 24 * time.Hour

	// a full rescore compacts midpoint scores back to integers
	rescoreEvery = 500
)

// Config carries the queue-engine tunables.
type Config struct {
	MaxDepth           int // human entries per nest; 0 = unlimited, main exempt
	FreeAirhornJams    int
	AirhornMax         int
	AirhornExpire      time.Duration
	AirhornMinLen      int
	AirhornExpireCount int
	Privileged         []string // identities allowed to vote more than once
}

// Engine implements per-nest queue state: scored entries, votes, jams,
// comments, airhorns and volume. All ordering clients observe comes from
// the priority-queue sorted set.
type Engine struct {
	store   *store.Store
	nests   *nests.Manager
	catalog *catalog.Client
	cfg     Config
	logger  zerolog.Logger

	privileged map[string]bool
}

func NewEngine(st *store.Store, nm *nests.Manager, cat *catalog.Client, cfg Config, logger zerolog.Logger) *Engine {
	priv := make(map[string]bool, len(cfg.Privileged))
	for _, p := range cfg.Privileged {
		priv[strings.ToLower(p)] = true
	}
	return &Engine{store: st, nests: nm, catalog: cat, cfg: cfg, logger: logger, privileged: priv}
}

// AddOptions tweak how an entry enters the queue.
type AddOptions struct {
	Penalty    float64
	ForceFirst bool
	Auto       bool // recommendation fill; always appended at tail
}

// AddCatalogTrack resolves a spotify track or episode URI and queues it.
func (e *Engine) AddCatalogTrack(ctx context.Context, nestID, userid, uri string, opts AddOptions) (int64, error) {
	var song models.Song
	if catalog.IsEpisodeURI(uri) {
		meta, err := e.catalog.Episode(ctx, uri)
		if err != nil {
			return 0, err
		}
		song = models.Song{
			TrackID:       meta.URI,
			Src:           "spotify",
			Title:         meta.Title,
			Duration:      meta.Duration,
			Img:           meta.Img,
			BigImg:        meta.BigImg,
			Type:          "episode",
			ShowName:      meta.ShowName,
			Publisher:     meta.Publisher,
			SecondaryText: meta.ShowName,
		}
	} else {
		meta, err := e.catalog.Track(ctx, uri)
		if err != nil {
			return 0, err
		}
		song = models.Song{
			TrackID:  meta.URI,
			Src:      "spotify",
			Title:    meta.Title,
			Artist:   artistLine(meta.Artists),
			Duration: meta.Duration,
			Img:      meta.Img,
			BigImg:   meta.BigImg,
		}
	}
	return e.AddSong(ctx, nestID, userid, song, opts)
}

func artistLine(artists []catalog.Artist) string {
	names := ""
	for i, a := range artists {
		if i > 0 {
			names += ", "
		}
		names += a.Name
	}
	return names
}

// AddSong is the single entry point all adders go through.
func (e *Engine) AddSong(ctx context.Context, nestID, userid string, song models.Song, opts AddOptions) (int64, error) {
	if deleting, err := e.nests.IsDeleting(ctx, nestID); err != nil {
		return 0, err
	} else if deleting {
		return 0, nests.ErrNestDeleting
	}

	if !opts.Auto && e.cfg.MaxDepth > 0 && nestID != nests.MainNestID {
		humans, err := e.humanDepth(ctx, nestID)
		if err != nil {
			return 0, err
		}
		if humans >= e.cfg.MaxDepth {
			return 0, ErrQueueFull
		}
	}

	id, err := e.store.Incr(ctx, store.PlaylistPlaysKey(nestID))
	if err != nil {
		return 0, err
	}

	song.ID = id
	song.User = strings.ToLower(userid)
	song.Vote = 0
	song.Auto = opts.Auto
	song.BackgroundColor = "222222"
	song.ForegroundColor = "F0F0FF"

	if err := e.setEntry(ctx, nestID, song); err != nil {
		return 0, err
	}

	voteKey := store.VoteKey(nestID, id)
	if err := e.store.SAdd(ctx, voteKey, song.User); err != nil {
		return 0, err
	}
	if err := e.store.Expire(ctx, voteKey, entryTTL); err != nil {
		return 0, err
	}

	score, err := e.scoreEntry(ctx, nestID, song.User, opts)
	if err != nil {
		return 0, err
	}
	if err := e.store.ZAdd(ctx, store.PriorityQueueKey(nestID), strconv.FormatInt(id, 10), score); err != nil {
		return 0, err
	}

	e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)
	e.logger.Info().Str("nest", nestID).Int64("id", id).Str("user", song.User).
		Bool("auto", opts.Auto).Float64("score", score).Str("title", song.Title).Msg("queued")
	return id, nil
}

func (e *Engine) humanDepth(ctx context.Context, nestID string) (int, error) {
	entries, err := e.Queued(ctx, nestID)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.Auto {
			n++
		}
	}
	return n, nil
}

// scoreEntry implements fair-share interleave. Auto fills always append at
// the tail so human additions feel like they cut ahead of the bot.
func (e *Engine) scoreEntry(ctx context.Context, nestID, userid string, opts AddOptions) (float64, error) {
	if opts.ForceFirst {
		return 0, nil
	}

	queued, err := e.Queued(ctx, nestID)
	if err != nil {
		return 0, err
	}
	if len(queued) == 0 {
		return 1.0 + opts.Penalty, nil
	}

	tail := queued[len(queued)-1].Score + 1.0
	if opts.Auto {
		return tail + opts.Penalty, nil
	}

	// mine counts this track too, so it starts at 1
	mine := 1
	for _, entry := range queued {
		if entry.User == userid {
			mine++
		}
	}

	// Scan for the first entry that is some other contributor's (mine+1)th
	// track and slot in just before it.
	seen := map[string]int{}
	for i, entry := range queued {
		seen[entry.User]++
		if seen[entry.User] == mine+1 && i > 0 {
			return (queued[i-1].Score+entry.Score)/2.0 + opts.Penalty, nil
		}
	}
	return tail + opts.Penalty, nil
}

// Queued returns the queue in score order, hydrated with jams and
// comments. The recommendation preview card is appended by the read
// surfaces, not here, so internal callers see real entries only.
func (e *Engine) Queued(ctx context.Context, nestID string) ([]models.QueuedSong, error) {
	members, err := e.store.ZRangeWithScores(ctx, store.PriorityQueueKey(nestID), 0, -1)
	if err != nil {
		return nil, err
	}
	songs := make([]models.QueuedSong, 0, len(members))
	for _, member := range members {
		id, err := strconv.ParseInt(member.Member.(string), 10, 64)
		if err != nil {
			continue
		}
		song, ok, err := e.Entry(ctx, nestID, id)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}
		songs = append(songs, models.QueuedSong{Song: song.Song, Score: member.Score, Jams: song.Jams, Comments: song.Comments})
	}
	return songs, nil
}

// Size returns the number of entries in the priority queue.
func (e *Engine) Size(ctx context.Context, nestID string) (int64, error) {
	return e.store.ZCard(ctx, store.PriorityQueueKey(nestID))
}

// Entry reads one queue entry with its jams and comments. ok is false when
// the detail hash has expired or never existed.
func (e *Engine) Entry(ctx context.Context, nestID string, id int64) (models.QueuedSong, bool, error) {
	fields, err := e.store.HGetAll(ctx, store.QueueEntryKey(nestID, id))
	if err != nil {
		return models.QueuedSong{}, false, err
	}
	if len(fields) == 0 {
		return models.QueuedSong{}, false, nil
	}
	jams, err := e.Jams(ctx, nestID, id)
	if err != nil {
		return models.QueuedSong{}, false, err
	}
	comments, err := e.Comments(ctx, nestID, id)
	if err != nil {
		return models.QueuedSong{}, false, err
	}
	return models.QueuedSong{Song: models.ParseSong(fields), Jams: jams, Comments: comments}, true, nil
}

func (e *Engine) setEntry(ctx context.Context, nestID string, song models.Song) error {
	key := store.QueueEntryKey(nestID, song.ID)
	if err := e.store.HSet(ctx, key, song.HashFields()); err != nil {
		return err
	}
	return e.store.Expire(ctx, key, entryTTL)
}

// Kill removes an entry from the queue. The detail hash is left to expire
// so late readers still resolve it.
func (e *Engine) Kill(ctx context.Context, nestID string, id int64) error {
	if err := e.store.ZRem(ctx, store.PriorityQueueKey(nestID), strconv.FormatInt(id, 10)); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)
	return nil
}

// Nuke clears the whole queue, leaving detail hashes in place.
func (e *Engine) Nuke(ctx context.Context, nestID string) error {
	if err := e.store.ZRemRangeByRank(ctx, store.PriorityQueueKey(nestID), 0, -1); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)
	return nil
}

