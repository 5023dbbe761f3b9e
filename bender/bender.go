package bender

import (
	"context"
	"encoding/json"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

// FallbackSeed keeps the engine alive on a completely cold nest.
const FallbackSeed = "spotify:track:3utq2FgD1pkmIoaWfjXWAU"

const (
	cacheTTL = 20 * time.Minute

	// refill batch sizes
	fetchMain  = 20
	fetchOther = 5
)

// Strategy names. Weights come from config.
const (
	StrategyGenre        = "genre"
	StrategyThrowback    = "throwback"
	StrategyArtistSearch = "artist_search"
	StrategyTopTracks    = "top_tracks"
	StrategyAlbum        = "album"
)

var allStrategies = []string{
	StrategyGenre, StrategyThrowback, StrategyArtistSearch, StrategyTopTracks, StrategyAlbum,
}

// Config carries the recommendation tunables.
type Config struct {
	Enabled    bool
	MaxMinutes int           // auto-fill streak cap
	FilterTTL  time.Duration // how long a skipped track stays filtered
	Weights    map[string]int
}

// Engine keeps each nest's queue populated with plausibly-related tracks
// when humans stop contributing. Each strategy keeps a per-nest FIFO cache
// of candidate URIs; consumption rotates between strategies by weighted
// random draw.
type Engine struct {
	store   *store.Store
	catalog *catalog.Client
	queue   *queue.Engine
	history *history.Log
	cfg     Config
	logger  zerolog.Logger
}

func NewEngine(st *store.Store, cat *catalog.Client, qe *queue.Engine, hist *history.Log, cfg Config, logger zerolog.Logger) *Engine {
	return &Engine{store: st, catalog: cat, queue: qe, history: hist, cfg: cfg, logger: logger}
}

func (e *Engine) Enabled() bool { return e.cfg.Enabled }

// Per-nest key helpers.

func cacheKey(nestID, strategy string) string {
	return store.NestKey(nestID, "BENDER|cache:"+strategy)
}

func seedInfoKey(nestID string) string {
	return store.NestKey(nestID, "BENDER|seed-info")
}

func previewKey(nestID string) string {
	return store.NestKey(nestID, "BENDER|next-preview")
}

func throwbackUsersKey(nestID string) string {
	return store.NestKey(nestID, "MISC|throwback-users")
}

func lastBenderKey(nestID string) string {
	return store.NestKey(nestID, "MISC|last-bender-track")
}

// drawnKey tracks recently consumed fills so a refill within the cache
// window cannot surface them again.
func drawnKey(nestID string) string {
	return store.NestKey(nestID, "BENDER|drawn")
}

func filterKey(nestID, uri string) string {
	return store.NestKey(nestID, "FILTER|"+uri)
}

// fillInfoKey is global: track metadata is nest-independent.
func fillInfoKey(uri string) string {
	return "FILL-INFO|" + uri
}

// Filtered reports whether a track is currently suppressed for a nest.
func (e *Engine) Filtered(ctx context.Context, nestID, uri string) (bool, error) {
	return e.store.Exists(ctx, filterKey(nestID, uri))
}

// FilterTrack suppresses a track for the configured window.
func (e *Engine) FilterTrack(ctx context.Context, nestID, uri string) error {
	return e.store.SetEx(ctx, filterKey(nestID, uri), "1", e.cfg.FilterTTL)
}

// seedInfo is the cached resolution of the nest's current seed track.
type seedInfo struct {
	SeedURI    string
	ArtistID   string
	ArtistName string
	AlbumID    string
	Genres     []string
}

// resolveSeed walks the seed priority chain: last human track, last bender
// track, now playing, the nest's configured seed, then the hardcoded
// fallback.
func (e *Engine) resolveSeed(ctx context.Context, nest models.Nest) (string, error) {
	if uri, ok, err := e.store.Get(ctx, store.LastQueuedKey(nest.NestID)); err != nil {
		return "", err
	} else if ok && uri != "" {
		return uri, nil
	}
	if uri, ok, err := e.store.Get(ctx, lastBenderKey(nest.NestID)); err != nil {
		return "", err
	} else if ok && uri != "" {
		return uri, nil
	}
	if id, ok, err := e.store.Get(ctx, store.NowPlayingKey(nest.NestID)); err != nil {
		return "", err
	} else if ok {
		if n, err := strconv.ParseInt(id, 10, 64); err == nil {
			uri, ok, err := e.store.HGet(ctx, store.QueueEntryKey(nest.NestID, n), "trackid")
			if err != nil {
				return "", err
			}
			if ok && uri != "" {
				return uri, nil
			}
		}
	}
	if nest.SeedURI != "" {
		return nest.SeedURI, nil
	}
	return FallbackSeed, nil
}

// seed returns the resolved seed info, from the 20-minute cache when warm.
func (e *Engine) seed(ctx context.Context, nest models.Nest) (seedInfo, error) {
	key := seedInfoKey(nest.NestID)
	cached, err := e.store.HGetAll(ctx, key)
	if err != nil {
		return seedInfo{}, err
	}
	if len(cached) > 0 {
		var genres []string
		_ = json.Unmarshal([]byte(cached["genres"]), &genres)
		return seedInfo{
			SeedURI:    cached["seed_uri"],
			ArtistID:   cached["artist_id"],
			ArtistName: cached["artist_name"],
			AlbumID:    cached["album_id"],
			Genres:     genres,
		}, nil
	}

	uri, err := e.resolveSeed(ctx, nest)
	if err != nil {
		return seedInfo{}, err
	}

	info := seedInfo{SeedURI: uri}
	track, err := e.catalog.Track(ctx, uri)
	if err != nil {
		return seedInfo{}, err
	}
	info.AlbumID = track.AlbumID
	if len(track.Artists) > 0 {
		info.ArtistID = track.Artists[0].ID
		info.ArtistName = track.Artists[0].Name
		artist, err := e.catalog.Artist(ctx, info.ArtistID)
		if err == nil {
			info.Genres = artist.Genres
		}
	}

	rawGenres, _ := json.Marshal(info.Genres)
	if err := e.store.HSet(ctx, key, map[string]string{
		"seed_uri":    info.SeedURI,
		"artist_id":   info.ArtistID,
		"artist_name": info.ArtistName,
		"album_id":    info.AlbumID,
		"genres":      string(rawGenres),
	}); err != nil {
		return seedInfo{}, err
	}
	if err := e.store.Expire(ctx, key, cacheTTL); err != nil {
		return seedInfo{}, err
	}
	return info, nil
}

// fetchLimit is larger for the main nest, which burns through fills fast.
func fetchLimit(nest models.Nest) int {
	if nest.IsMain {
		return fetchMain
	}
	return fetchOther
}

// fetchCandidates runs one strategy's catalog or history query.
func (e *Engine) fetchCandidates(ctx context.Context, nest models.Nest, strategy string, info seedInfo) ([]string, error) {
	limit := fetchLimit(nest)
	switch strategy {
	case StrategyGenre:
		genre := nest.GenreHint
		if len(info.Genres) > 0 {
			genre = info.Genres[rand.IntN(len(info.Genres))]
		}
		if genre == "" {
			return nil, nil
		}
		return e.catalog.Search(ctx, `genre:"`+genre+`"`, limit)
	case StrategyThrowback:
		picks, err := e.history.Throwback(time.Now(), limit)
		if err != nil {
			return nil, err
		}
		uris := make([]string, 0, len(picks))
		for _, pick := range picks {
			uris = append(uris, pick.URI)
			if err := e.store.HSetField(ctx, throwbackUsersKey(nest.NestID), pick.URI, pick.User); err != nil {
				return nil, err
			}
		}
		if len(uris) > 0 {
			if err := e.store.Expire(ctx, throwbackUsersKey(nest.NestID), cacheTTL); err != nil {
				return nil, err
			}
		}
		return uris, nil
	case StrategyArtistSearch:
		if info.ArtistName == "" {
			return nil, nil
		}
		return e.catalog.Search(ctx, info.ArtistName, limit)
	case StrategyTopTracks:
		if info.ArtistID == "" {
			return nil, nil
		}
		return e.catalog.ArtistTopTracks(ctx, info.ArtistID)
	case StrategyAlbum:
		if info.AlbumID == "" {
			return nil, nil
		}
		return e.catalog.AlbumTracks(ctx, info.AlbumID)
	}
	return nil, nil
}

// refill repopulates one strategy's cache: fetch, filter, dedupe, shuffle,
// push with TTL. Returns how many candidates landed.
func (e *Engine) refill(ctx context.Context, nest models.Nest, strategy string, info seedInfo) (int, error) {
	candidates, err := e.fetchCandidates(ctx, nest, strategy, info)
	if err != nil {
		return 0, err
	}

	seen := map[string]bool{info.SeedURI: true}
	var kept []string
	for _, uri := range candidates {
		if uri == "" || seen[uri] {
			continue
		}
		filtered, err := e.Filtered(ctx, nest.NestID, uri)
		if err != nil {
			return 0, err
		}
		if filtered {
			continue
		}
		drawn, err := e.store.SIsMember(ctx, drawnKey(nest.NestID), uri)
		if err != nil {
			return 0, err
		}
		if drawn {
			continue
		}
		seen[uri] = true
		kept = append(kept, uri)
	}
	if len(kept) == 0 {
		return 0, nil
	}

	rand.Shuffle(len(kept), func(i, j int) { kept[i], kept[j] = kept[j], kept[i] })

	key := cacheKey(nest.NestID, strategy)
	if err := e.store.RPush(ctx, key, kept...); err != nil {
		return 0, err
	}
	if err := e.store.Expire(ctx, key, cacheTTL); err != nil {
		return 0, err
	}
	e.logger.Debug().Str("nest", nest.NestID).Str("strategy", strategy).Int("candidates", len(kept)).Msg("refilled cache")
	return len(kept), nil
}

// pickStrategy draws a strategy by weight from the ones that still have,
// or can get, candidates. It refills empty caches as it goes; a strategy
// whose refill yields nothing drops out of this draw.
func (e *Engine) pickStrategy(ctx context.Context, nest models.Nest, info seedInfo) (string, error) {
	available := make([]string, 0, len(allStrategies))
	if e.catalog.IsRateLimited(ctx) {
		// Throwback runs on history alone, so it survives a 429 window.
		available = append(available, StrategyThrowback)
	} else {
		available = append(available, allStrategies...)
	}

	for len(available) > 0 {
		total := 0
		for _, s := range available {
			total += e.cfg.Weights[s]
		}
		if total == 0 {
			return "", nil
		}
		n := rand.IntN(total)
		var pick string
		for _, s := range available {
			n -= e.cfg.Weights[s]
			if n < 0 {
				pick = s
				break
			}
		}

		size, err := e.store.LLen(ctx, cacheKey(nest.NestID, pick))
		if err != nil {
			return "", err
		}
		if size > 0 {
			return pick, nil
		}
		got, err := e.refill(ctx, nest, pick, info)
		if err != nil {
			e.logger.Warn().Err(err).Str("nest", nest.NestID).Str("strategy", pick).Msg("refill failed")
			got = 0
		}
		if got > 0 {
			return pick, nil
		}
		// drop the dry strategy and redraw
		next := available[:0]
		for _, s := range available {
			if s != pick {
				next = append(next, s)
			}
		}
		available = next
	}
	return "", nil
}

// attribution resolves who a fill track should be credited to.
func (e *Engine) attribution(ctx context.Context, nestID, strategy, uri string) (string, error) {
	if strategy != StrategyThrowback {
		return models.BotUser, nil
	}
	user, ok, err := e.store.HGet(ctx, throwbackUsersKey(nestID), uri)
	if err != nil {
		return "", err
	}
	if !ok || user == "" {
		return models.BotUser, nil
	}
	return user, nil
}
