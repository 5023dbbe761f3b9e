package bender

import (
	"context"
	"strings"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

// fallbackCard keeps the queue endpoint responsive when every strategy is
// exhausted.
func fallbackCard() models.PreviewCard {
	return models.PreviewCard{
		Title:       "No songs available",
		Name:        "Benderbot",
		User:        models.BotUser,
		PlaylistSrc: true,
		Jams:        []models.Jam{},
	}
}

// nextCandidate peeks the preview slot, recomputing it when empty or when
// the previewed track got filtered since it was written. The candidate
// stays at the head of its strategy's cache until consumed.
func (e *Engine) nextCandidate(ctx context.Context, nest models.Nest) (trackID, user, strategy string, err error) {
	key := previewKey(nest.NestID)
	preview, err := e.store.HGetAll(ctx, key)
	if err != nil {
		return "", "", "", err
	}
	if len(preview) > 0 {
		filtered, err := e.Filtered(ctx, nest.NestID, preview["trackid"])
		if err != nil {
			return "", "", "", err
		}
		if !filtered {
			return preview["trackid"], preview["user"], preview["strategy"], nil
		}
		// stale preview: the track was filtered after the peek
		if err := e.dropCacheHead(ctx, nest.NestID, preview["strategy"], preview["trackid"]); err != nil {
			return "", "", "", err
		}
		if err := e.store.Del(ctx, key); err != nil {
			return "", "", "", err
		}
	}

	info, err := e.seed(ctx, nest)
	if err != nil {
		return "", "", "", err
	}
	pick, err := e.pickStrategy(ctx, nest, info)
	if err != nil || pick == "" {
		return "", "", "", err
	}
	uri, ok, err := e.store.LIndex(ctx, cacheKey(nest.NestID, pick), 0)
	if err != nil || !ok {
		return "", "", "", err
	}
	user, err = e.attribution(ctx, nest.NestID, pick, uri)
	if err != nil {
		return "", "", "", err
	}

	if err := e.store.HSet(ctx, key, map[string]string{
		"trackid":  uri,
		"user":     user,
		"strategy": pick,
	}); err != nil {
		return "", "", "", err
	}
	if err := e.store.Expire(ctx, key, cacheTTL); err != nil {
		return "", "", "", err
	}
	return uri, user, pick, nil
}

// dropCacheHead removes uri from the head of a strategy cache if it is
// still there.
func (e *Engine) dropCacheHead(ctx context.Context, nestID, strategy, uri string) error {
	head, ok, err := e.store.LIndex(ctx, cacheKey(nestID, strategy), 0)
	if err != nil {
		return err
	}
	if ok && head == uri {
		_, _, err = e.store.LPop(ctx, cacheKey(nestID, strategy))
	}
	return err
}

// Preview renders the "up next" card appended to queue listings.
func (e *Engine) Preview(ctx context.Context, nest models.Nest) models.PreviewCard {
	uri, user, strategy, err := e.nextCandidate(ctx, nest)
	if err != nil {
		e.logger.Warn().Err(err).Str("nest", nest.NestID).Msg("preview failed")
		return fallbackCard()
	}
	if uri == "" {
		return fallbackCard()
	}

	song, err := e.fillInfo(ctx, uri)
	if err != nil {
		e.logger.Warn().Err(err).Str("nest", nest.NestID).Str("track", uri).Msg("preview metadata failed")
		return fallbackCard()
	}

	name := "Benderbot"
	if strategy == StrategyThrowback && user != models.BotUser {
		name = strings.SplitN(user, "@", 2)[0] + " (throwback)"
	}
	return models.PreviewCard{
		Title:       song.Artist + " : " + song.Title,
		Name:        name,
		User:        user,
		TrackID:     uri,
		Img:         song.Img,
		PlaylistSrc: true,
		Jams:        []models.Jam{},
	}
}

// fillInfo resolves track metadata through a 20-minute cache so the
// preview card does not refetch the catalog on every queue read.
func (e *Engine) fillInfo(ctx context.Context, uri string) (models.Song, error) {
	key := fillInfoKey(uri)
	cached, err := e.store.HGetAll(ctx, key)
	if err != nil {
		return models.Song{}, err
	}
	if len(cached) > 0 {
		return models.ParseSong(cached), nil
	}

	meta, err := e.catalog.Track(ctx, uri)
	if err != nil {
		return models.Song{}, err
	}
	song := models.Song{
		TrackID:  meta.URI,
		Src:      "spotify",
		Title:    meta.Title,
		Duration: meta.Duration,
		Img:      meta.Img,
		BigImg:   meta.BigImg,
	}
	for i, a := range meta.Artists {
		if i > 0 {
			song.Artist += ", "
		}
		song.Artist += a.Name
	}
	if err := e.store.HSet(ctx, key, song.HashFields()); err != nil {
		return models.Song{}, err
	}
	if err := e.store.Expire(ctx, key, cacheTTL); err != nil {
		return models.Song{}, err
	}
	return song, nil
}

// consume removes the current candidate from its cache and clears the
// preview slot.
func (e *Engine) consume(ctx context.Context, nestID, strategy, uri string) error {
	if err := e.dropCacheHead(ctx, nestID, strategy, uri); err != nil {
		return err
	}
	if strategy == StrategyThrowback {
		if err := e.store.HDel(ctx, throwbackUsersKey(nestID), uri); err != nil {
			return err
		}
	}
	if err := e.store.SAdd(ctx, drawnKey(nestID), uri); err != nil {
		return err
	}
	if err := e.store.Expire(ctx, drawnKey(nestID), cacheTTL); err != nil {
		return err
	}
	if err := e.store.Del(ctx, previewKey(nestID)); err != nil {
		return err
	}
	return e.store.Set(ctx, lastBenderKey(nestID), uri)
}

// FillSong hands the playhead its next auto-fill track. ok is false when
// every strategy is exhausted.
func (e *Engine) FillSong(ctx context.Context, nest models.Nest) (user, uri string, ok bool, err error) {
	uri, user, strategy, err := e.nextCandidate(ctx, nest)
	if err != nil || uri == "" {
		return "", "", false, err
	}
	if err := e.consume(ctx, nest.NestID, strategy, uri); err != nil {
		return "", "", false, err
	}
	return user, uri, true, nil
}

// BenderQueue promotes the previewed track into the queue as a normal
// human entry, jammed by its original contributor.
func (e *Engine) BenderQueue(ctx context.Context, nest models.Nest, userid, trackID string) error {
	uri, attributed, strategy, err := e.nextCandidate(ctx, nest)
	if err != nil {
		return err
	}
	if uri == "" || uri != trackID {
		e.logger.Warn().Str("nest", nest.NestID).Str("want", trackID).Str("have", uri).Msg("benderqueue mismatch")
		return nil
	}
	if err := e.consume(ctx, nest.NestID, strategy, uri); err != nil {
		return err
	}
	id, err := e.queue.AddCatalogTrack(ctx, nest.NestID, userid, uri, queue.AddOptions{})
	if err != nil {
		return err
	}
	jammer := models.BotUser
	if strategy == StrategyThrowback {
		jammer = attributed
	}
	return e.queue.Jam(ctx, nest.NestID, jammer, id)
}

// BenderFilter rejects the previewed track: consume it and suppress the
// URI for the filter window.
func (e *Engine) BenderFilter(ctx context.Context, nest models.Nest, userid, trackID string) error {
	uri, _, strategy, err := e.nextCandidate(ctx, nest)
	if err != nil {
		return err
	}
	if uri == "" || uri != trackID {
		e.logger.Warn().Str("nest", nest.NestID).Str("want", trackID).Str("have", uri).Msg("benderfilter mismatch")
		return nil
	}
	if err := e.consume(ctx, nest.NestID, strategy, uri); err != nil {
		return err
	}
	if err := e.FilterTrack(ctx, nest.NestID, uri); err != nil {
		return err
	}
	e.logger.Info().Str("nest", nest.NestID).Str("track", uri).Str("user", userid).Msg("filtered fill track")
	e.store.PublishNest(ctx, nest.NestID, store.MsgPlaylistUpdate)
	return nil
}
