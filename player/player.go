package player

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/bender"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

const (
	leaseTTL      = 5 * time.Second
	leaseRetry    = 5 * time.Second
	tick          = time.Second
	idleSleep     = 500 * time.Millisecond
	playerNowTTL  = 12 * time.Hour
	nowPlayingTTL = 2 * time.Hour
	finishedTTL   = 3 * time.Hour

	// anything shorter is a catalog glitch, not a song
	minDuration = 5
)

// Player runs one nest's playhead: a virtual clock that advances the
// current track one second per tick and rolls the queue forward. The
// singleton-per-nest invariant comes from the store lease, never from a
// process lock, so any number of processes can compete safely.
type Player struct {
	store   *store.Store
	nests   *nests.Manager
	queue   *queue.Engine
	bender  *bender.Engine
	history *history.Log
	logger  zerolog.Logger
}

func New(st *store.Store, nm *nests.Manager, qe *queue.Engine, be *bender.Engine, hist *history.Log, logger zerolog.Logger) *Player {
	return &Player{store: st, nests: nm, queue: qe, bender: be, history: hist, logger: logger}
}

// sleep waits for d or until ctx is cancelled. Returns false on cancel.
func sleep(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}

// Run drives one nest's playhead until the context is cancelled. It
// blocks waiting for the lease, then loops tracks; losing the nest (a
// delete) ends the worker.
func (p *Player) Run(ctx context.Context, nestID string) error {
	workerID := uuid.NewString()
	logger := p.logger.With().Str("nest", nestID).Str("worker", workerID).Logger()

	for {
		got, err := p.store.SetNX(ctx, store.MasterPlayerKey(nestID), workerID, leaseTTL)
		if err != nil {
			logger.Warn().Err(err).Msg("lease attempt failed")
		}
		if got {
			break
		}
		if !sleep(ctx, leaseRetry) {
			return ctx.Err()
		}
	}
	logger.Info().Msg("grabbed playhead")

	for ctx.Err() == nil {
		nest, err := p.nests.Get(ctx, nestID)
		if err != nil {
			logger.Info().Msg("nest gone, releasing playhead")
			return nil
		}

		song, playing, err := p.queue.NowPlaying(ctx, nestID)
		if err != nil {
			logger.Warn().Err(err).Msg("now-playing read failed")
			sleep(ctx, tick)
			continue
		}

		now, err := p.queue.PlayerNow(ctx, nestID)
		if err != nil {
			sleep(ctx, tick)
			continue
		}

		var target time.Time
		if done, ok := p.currentDone(ctx, nestID); ok && done.After(now) {
			// resuming an in-flight track after a worker handoff
			target = done
		} else {
			if playing && song.ID != 0 {
				p.logFinished(ctx, nestID, song)
			}

			next, popped, err := p.popNext(ctx, nest)
			if err != nil {
				logger.Warn().Err(err).Msg("pop failed")
				sleep(ctx, tick)
				continue
			}
			if !popped {
				if !p.fillOne(ctx, nest, now, logger) {
					sleep(ctx, idleSleep)
				}
				continue
			}
			if next.Duration < minDuration {
				logger.Debug().Int64("id", next.ID).Msg("skipping too-short track")
				continue
			}
			song = models.NowPlaying{Song: next.Song}
			target = now.Add(time.Duration(next.Duration)*time.Second + time.Second)
		}

		p.ensureQueueDepth(ctx, nest)

		remaining := target.Sub(now)
		if err := p.store.SetEx(ctx, store.CurrentDoneKey(nestID), unix(target), remaining); err != nil {
			logger.Warn().Err(err).Msg("failed to store done marker")
		}
		if err := p.store.Set(ctx, store.StartedOnKey(nestID), unix(now)); err != nil {
			logger.Warn().Err(err).Msg("failed to store start marker")
		}

		p.advance(ctx, nestID, song.Song, target, remaining, logger)

		// log before cleanup: the entry hash must still be readable when
		// the play record is assembled
		if ctx.Err() == nil && song.ID != 0 {
			p.logFinished(ctx, nestID, song)
		}

		p.store.Del(ctx, store.CurrentDoneKey(nestID))
		p.store.Del(ctx, store.VoteKey(nestID, song.ID))
		p.store.Del(ctx, store.QueueEntryKey(nestID, song.ID))
	}
	return ctx.Err()
}

// advance runs the per-second inner loop for one track.
func (p *Player) advance(ctx context.Context, nestID string, song models.Song, target time.Time, remaining time.Duration, logger zerolog.Logger) {
	for ctx.Err() == nil {
		now, err := p.queue.PlayerNow(ctx, nestID)
		if err != nil || !now.Before(target) {
			return
		}

		if err := p.store.Expire(ctx, store.MasterPlayerKey(nestID), leaseTTL); err != nil {
			logger.Warn().Err(err).Msg("lease refresh failed")
		}

		if paused, _ := p.queue.Paused(ctx, nestID); paused {
			// virtual clock holds still; keep the done marker alive as
			// wall time passes
			p.store.Expire(ctx, store.CurrentDoneKey(nestID), remaining+time.Minute)
			if !sleep(ctx, tick) {
				return
			}
			continue
		}

		if jump, _ := p.store.Exists(ctx, store.ForceJumpKey(nestID)); jump {
			p.store.Del(ctx, store.ForceJumpKey(nestID))
			return
		}

		now = now.Add(tick)
		if err := p.store.SetEx(ctx, store.PlayerNowKey(nestID), unix(now), playerNowTTL); err != nil {
			logger.Warn().Err(err).Msg("clock tick failed")
		}
		if !sleep(ctx, tick) {
			return
		}

		elapsed := song.Duration - int(target.Sub(now).Seconds())
		p.store.PublishNest(ctx, nestID, store.PositionMsg(song.Src, song.TrackID, elapsed))
	}
}

// fillOne asks the recommendation engine for one auto track. Returns
// false when the playhead should idle instead.
func (p *Player) fillOne(ctx context.Context, nest models.Nest, now time.Time, logger zerolog.Logger) bool {
	if err := p.bender.StartStreak(ctx, nest.NestID, now); err != nil {
		logger.Warn().Err(err).Msg("streak start failed")
	}
	if !p.bender.Enabled() {
		return false
	}
	exceeded, err := p.bender.StreakExceeded(ctx, nest.NestID, now)
	if err != nil || exceeded {
		return false
	}

	user, uri, ok, err := p.bender.FillSong(ctx, nest)
	if err != nil || !ok {
		if err != nil {
			logger.Warn().Err(err).Msg("fill lookup failed")
		}
		return false
	}
	if _, err := p.queue.AddCatalogTrack(ctx, nest.NestID, user, uri, queue.AddOptions{Auto: true}); err != nil {
		logger.Warn().Err(err).Str("track", uri).Msg("could not queue fill track")
		return false
	}
	return true
}

// popNext takes the head of the priority queue. A human catalog track
// resets the recommendation seed and ends any auto-fill streak.
func (p *Player) popNext(ctx context.Context, nest models.Nest) (models.QueuedSong, bool, error) {
	nestID := nest.NestID
	for {
		head, err := p.store.ZRange(ctx, store.PriorityQueueKey(nestID), 0, 0)
		if err != nil {
			return models.QueuedSong{}, false, err
		}
		if len(head) == 0 {
			if err := p.store.Del(ctx, store.NowPlayingKey(nestID)); err != nil {
				return models.QueuedSong{}, false, err
			}
			return models.QueuedSong{}, false, nil
		}
		member := head[0]
		if err := p.store.ZRem(ctx, store.PriorityQueueKey(nestID), member); err != nil {
			return models.QueuedSong{}, false, err
		}
		id, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			continue
		}
		entry, ok, err := p.queue.Entry(ctx, nestID, id)
		if err != nil {
			return models.QueuedSong{}, false, err
		}
		if !ok {
			continue // detail hash expired under the queue entry
		}

		if entry.Src == "spotify" && !entry.Auto && entry.User != models.BotUser {
			if err := p.bender.NoteHumanQueued(ctx, nestID, entry.TrackID); err != nil {
				p.logger.Warn().Err(err).Str("nest", nestID).Msg("seed reset failed")
			}
		}

		if err := p.store.Expire(ctx, store.QueueEntryKey(nestID, id), finishedTTL); err != nil {
			return models.QueuedSong{}, false, err
		}
		if err := p.store.SetEx(ctx, store.NowPlayingKey(nestID), member, nowPlayingTTL); err != nil {
			return models.QueuedSong{}, false, err
		}
		p.store.PublishNest(ctx, nestID, store.MsgNowPlayingUpdate)
		return entry, true, nil
	}
}

// ensureQueueDepth warms the recommendation caches and preview slot so
// the next fill is a cheap pop instead of a catalog round trip.
func (p *Player) ensureQueueDepth(ctx context.Context, nest models.Nest) {
	if !p.bender.Enabled() {
		return
	}
	size, err := p.queue.Size(ctx, nest.NestID)
	if err != nil || size > 0 {
		return
	}
	p.bender.Preview(ctx, nest)
}

// logFinished records a completed (or skipped) play: the play log, the
// playhistory set and the last-played mirror.
func (p *Player) logFinished(ctx context.Context, nestID string, song models.NowPlaying) {
	end, err := p.queue.SongEndTime(ctx, nestID, false)
	if err != nil {
		end = time.Now().UTC()
	}
	jams, err := p.queue.Jams(ctx, nestID, song.ID)
	if err != nil {
		jams = nil
	}
	horns, err := p.queue.HornsForSong(ctx, nestID, song.ID)
	if err != nil {
		horns = nil
	}

	play := models.Play{Song: song.Song, Jams: jams, Airhorns: horns}
	if err := p.history.Append(ctx, play, end); err != nil {
		p.logger.Warn().Err(err).Str("nest", nestID).Msg("failed to log play")
	}

	play.EndTime = strconv.FormatInt(end.Unix(), 10)
	if raw, err := json.Marshal(play); err == nil {
		if err := p.store.Set(ctx, store.LastPlayedKey(nestID), string(raw)); err != nil {
			p.logger.Warn().Err(err).Str("nest", nestID).Msg("failed to store last played")
		}
	}
}

func (p *Player) currentDone(ctx context.Context, nestID string) (time.Time, bool) {
	raw, ok, err := p.store.Get(ctx, store.CurrentDoneKey(nestID))
	if err != nil || !ok {
		return time.Time{}, false
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, false
	}
	return time.Unix(n, 0).UTC(), true
}

func unix(t time.Time) string {
	return strconv.FormatInt(t.Unix(), 10)
}
