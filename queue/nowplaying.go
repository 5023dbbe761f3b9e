package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

// PlayerNow is the nest's virtual clock: the playhead's stored tick, or
// wall time when no worker has run yet. Only the playhead loop advances
// the stored tick.
func (e *Engine) PlayerNow(ctx context.Context, nestID string) (time.Time, error) {
	raw, ok, err := e.store.Get(ctx, store.PlayerNowKey(nestID))
	if err != nil {
		return time.Time{}, err
	}
	if ok {
		if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
			return time.Unix(unix, 0).UTC(), nil
		}
	}
	return time.Now().UTC(), nil
}

// SongEndTime is when the current song will end (estimate from the
// current-done marker) or, without one, the virtual now. The playhead uses
// the latter form when logging a finished or skipped song.
func (e *Engine) SongEndTime(ctx context.Context, nestID string, useEstimate bool) (time.Time, error) {
	if useEstimate {
		raw, ok, err := e.store.Get(ctx, store.CurrentDoneKey(nestID))
		if err != nil {
			return time.Time{}, err
		}
		if ok {
			if unix, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return time.Unix(unix, 0).UTC(), nil
			}
		}
	}
	return e.PlayerNow(ctx, nestID)
}

// Paused reports the nest's pause flag.
func (e *Engine) Paused(ctx context.Context, nestID string) (bool, error) {
	return e.store.Exists(ctx, store.PausedKey(nestID))
}

// NowPlaying hydrates the current track with playhead position. ok is
// false when nothing is playing; the Paused flag is valid either way.
func (e *Engine) NowPlaying(ctx context.Context, nestID string) (models.NowPlaying, bool, error) {
	var np models.NowPlaying

	paused, err := e.Paused(ctx, nestID)
	if err != nil {
		return np, false, err
	}
	np.Paused = paused

	raw, ok, err := e.store.Get(ctx, store.NowPlayingKey(nestID))
	if err != nil || !ok {
		return np, false, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return np, false, nil
	}

	entry, ok, err := e.Entry(ctx, nestID, id)
	if err != nil || !ok {
		return np, false, err
	}
	np.Song = entry.Song

	if started, ok, err := e.store.Get(ctx, store.StartedOnKey(nestID)); err != nil {
		return np, false, err
	} else if ok {
		if unix, err := strconv.ParseInt(started, 10, 64); err == nil {
			np.StartTime = time.Unix(unix, 0).UTC().Format(time.RFC3339)
		}
	}

	end, err := e.SongEndTime(ctx, nestID, true)
	if err != nil {
		return np, false, err
	}
	np.EndTime = end.Format(time.RFC3339)

	if done, ok, err := e.store.Get(ctx, store.CurrentDoneKey(nestID)); err != nil {
		return np, false, err
	} else if ok {
		if unix, err := strconv.ParseInt(done, 10, 64); err == nil {
			now, err := e.PlayerNow(ctx, nestID)
			if err != nil {
				return np, false, err
			}
			remaining := int(time.Unix(unix, 0).UTC().Sub(now).Seconds())
			np.Pos = max(0, np.Duration-remaining)
		}
	}

	return np, true, nil
}

// Pause halts playhead advancement.
func (e *Engine) Pause(ctx context.Context, nestID string) error {
	if err := e.store.Set(ctx, store.PausedKey(nestID), "1"); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgNowPlayingUpdate)
	return nil
}

// Unpause resumes the playhead. A now-playing pointer whose detail hash
// expired during a long pause is cleared so the next tick advances.
func (e *Engine) Unpause(ctx context.Context, nestID string) error {
	if raw, ok, err := e.store.Get(ctx, store.NowPlayingKey(nestID)); err != nil {
		return err
	} else if ok {
		if id, err := strconv.ParseInt(raw, 10, 64); err == nil {
			if _, live, err := e.Entry(ctx, nestID, id); err != nil {
				return err
			} else if !live {
				if err := e.store.Del(ctx, store.NowPlayingKey(nestID)); err != nil {
					return err
				}
			}
		}
	}
	if err := e.store.Del(ctx, store.PausedKey(nestID)); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgNowPlayingUpdate)
	return nil
}

// Skip asks the playhead loop to jump to the next track.
func (e *Engine) Skip(ctx context.Context, nestID string) error {
	return e.store.Set(ctx, store.ForceJumpKey(nestID), "1")
}

// NowPlayingJams returns the jams on the current track.
func (e *Engine) NowPlayingJams(ctx context.Context, nestID string) ([]models.Jam, error) {
	raw, ok, err := e.store.Get(ctx, store.NowPlayingKey(nestID))
	if err != nil || !ok {
		return nil, err
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, nil
	}
	return e.Jams(ctx, nestID, id)
}

// LastPlayed returns the most recently finished play.
func (e *Engine) LastPlayed(ctx context.Context, nestID string) (models.Play, bool, error) {
	raw, ok, err := e.store.Get(ctx, store.LastPlayedKey(nestID))
	if err != nil || !ok {
		return models.Play{}, false, err
	}
	var play models.Play
	if err := json.Unmarshal([]byte(raw), &play); err != nil {
		return models.Play{}, false, err
	}
	return play, true, nil
}
