package queue

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

// Jam toggles the caller's endorsement on an entry. Hitting the jam
// threshold hands the now-playing contributor a free airhorn.
func (e *Engine) Jam(ctx context.Context, nestID, userid string, id int64) error {
	userid = strings.ToLower(userid)
	jamKey := store.JamKey(nestID, id)

	_, jammed, err := e.store.ZScore(ctx, jamKey, userid)
	if err != nil {
		return err
	}
	if jammed {
		if err := e.store.ZRem(ctx, jamKey, userid); err != nil {
			return err
		}
	} else {
		if err := e.store.ZAdd(ctx, jamKey, userid, float64(time.Now().Unix())); err != nil {
			return err
		}
	}
	if err := e.store.Expire(ctx, jamKey, entryTTL); err != nil {
		return err
	}

	// A queued target redraws the playlist; anything else is the
	// now-playing card.
	if _, inQueue, err := e.store.ZRank(ctx, store.PriorityQueueKey(nestID), strconv.FormatInt(id, 10)); err != nil {
		return err
	} else if inQueue {
		e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)
	} else {
		e.store.PublishNest(ctx, nestID, store.MsgNowPlayingUpdate)
	}

	count, err := e.store.ZCard(ctx, jamKey)
	if err != nil {
		return err
	}
	if int(count) >= e.cfg.FreeAirhornJams {
		playing, ok, err := e.NowPlaying(ctx, nestID)
		if err != nil {
			return err
		}
		if ok && playing.User != "" {
			if err := e.store.SAdd(ctx, store.FreehornKey(nestID, playing.User), strconv.FormatInt(id, 10)); err != nil {
				return err
			}
			e.store.PublishNest(ctx, nestID, store.MsgUpdateFreehorn)
		}
	}
	return nil
}

// Jams lists an entry's endorsements oldest first.
func (e *Engine) Jams(ctx context.Context, nestID string, id int64) ([]models.Jam, error) {
	raw, err := e.store.ZRangeWithScores(ctx, store.JamKey(nestID, id), 0, -1)
	if err != nil {
		return nil, err
	}
	jams := make([]models.Jam, 0, len(raw))
	for _, z := range raw {
		jams = append(jams, models.Jam{
			User: z.Member.(string),
			Time: time.Unix(int64(z.Score), 0).UTC().Format(time.RFC3339),
		})
	}
	return jams, nil
}

// Comment attaches a note to an entry.
func (e *Engine) Comment(ctx context.Context, nestID, userid string, id int64, text string) error {
	key := store.CommentsKey(nestID, id)
	member := strings.ToLower(userid) + "||" + text
	if err := e.store.ZAdd(ctx, key, member, float64(time.Now().Unix())); err != nil {
		return err
	}
	if err := e.store.Expire(ctx, key, entryTTL); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)
	return nil
}

// Comments lists an entry's comments oldest first.
func (e *Engine) Comments(ctx context.Context, nestID string, id int64) ([]models.Comment, error) {
	raw, err := e.store.ZRangeWithScores(ctx, store.CommentsKey(nestID, id), 0, -1)
	if err != nil {
		return nil, err
	}
	comments := make([]models.Comment, 0, len(raw))
	for _, z := range raw {
		user, body, _ := strings.Cut(z.Member.(string), "||")
		comments = append(comments, models.Comment{Time: z.Score, User: user, Body: body})
	}
	return comments, nil
}
