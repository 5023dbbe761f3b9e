package queue

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/warble-fm/warble/store"
)

func zMember(member string, score float64) redis.Z {
	return redis.Z{Member: member, Score: score}
}

// Color ramp endpoints. The entry background warms with upvotes and
// darkens with downvotes; the foreground flips to dark text once the
// background gets bright enough.
var (
	colorBase = [3]int{34, 34, 34}
	colorHot  = [3]int{68, 68, 68}
	colorCold = [3]int{0, 0, 0}
)

const colorSteps = 5

// Vote moves an entry by one rank in the requested direction. A voter may
// vote once per entry, except a contributor down-voting their own track
// and identities on the privileged list. The new score is the midpoint
// between the two neighbors past the entry in the direction of travel, or
// 120 beyond the end of the queue.
func (e *Engine) Vote(ctx context.Context, nestID, userid string, id int64, up bool) error {
	userid = strings.ToLower(userid)

	owner, _, err := e.store.HGet(ctx, store.QueueEntryKey(nestID, id), "user")
	if err != nil {
		return err
	}
	selfDown := owner == userid && !up

	voteKey := store.VoteKey(nestID, id)
	if !selfDown && !e.privileged[userid] {
		voted, err := e.store.SIsMember(ctx, voteKey, userid)
		if err != nil {
			return err
		}
		if voted {
			e.logger.Debug().Str("nest", nestID).Int64("id", id).Str("user", userid).Msg("double vote ignored")
			return nil
		}
	}
	if err := e.store.SAdd(ctx, voteKey, userid); err != nil {
		return err
	}

	queueKey := store.PriorityQueueKey(nestID)
	member := strconv.FormatInt(id, 10)
	rank, ok, err := e.store.ZRank(ctx, queueKey, member)
	if err != nil || !ok {
		return err
	}

	var lowRank int64
	if up {
		lowRank = rank - 2
	} else {
		lowRank = rank + 1
	}
	highRank := lowRank + 1

	ids, err := e.store.ZRange(ctx, queueKey, max(lowRank, 0), highRank)
	if err != nil {
		return err
	}
	if len(ids) == 0 {
		return nil
	}

	current, _, err := e.store.ZScore(ctx, queueKey, member)
	if err != nil {
		return err
	}
	lowScore, _, err := e.store.ZScore(ctx, queueKey, ids[0])
	if err != nil {
		return err
	}

	var newScore float64
	if len(ids) == 1 {
		if lowRank == -1 {
			newScore = lowScore - 120.0 // before the head
		} else {
			newScore = lowScore + 120.0 // past the tail
		}
	} else {
		highScore, _, err := e.store.ZScore(ctx, queueKey, ids[1])
		if err != nil {
			return err
		}
		newScore = (lowScore + highScore) / 2
	}

	entryKey := store.QueueEntryKey(nestID, id)
	if up {
		if _, err := e.store.HIncrBy(ctx, entryKey, "vote", 1); err != nil {
			return err
		}
	} else if !selfDown {
		if _, err := e.store.HIncrBy(ctx, entryKey, "vote", -1); err != nil {
			return err
		}
	}

	raw, _, err := e.store.HGet(ctx, entryKey, "vote")
	if err != nil {
		return err
	}
	votes, _ := strconv.Atoi(raw)
	bg, fg := voteColors(votes)
	if err := e.store.HSetField(ctx, entryKey, "background_color", bg); err != nil {
		return err
	}
	if err := e.store.HSetField(ctx, entryKey, "foreground_color", fg); err != nil {
		return err
	}

	if err := e.store.ZIncrBy(ctx, queueKey, newScore-current, member); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgPlaylistUpdate)

	return e.maybeRescore(ctx, nestID)
}

// voteColors maps a vote count onto the background/foreground pair.
func voteColors(votes int) (string, string) {
	other, base := colorCold, colorBase
	if votes > 0 {
		other, base = colorHot, colorBase
	}
	v := min(abs(votes), colorSteps)

	var bg strings.Builder
	sum := 0
	for i := 0; i < 3; i++ {
		c := (v*other[i] + (colorSteps-v)*base[i]) / colorSteps
		sum += c
		fmt.Fprintf(&bg, "%02x", c)
	}
	if sum > 130*3 {
		return bg.String(), "0f0f0f"
	}
	return bg.String(), "f0f0ff"
}

func abs(n int) int {
	if n < 0 {
		return -n
	}
	return n
}

// maybeRescore compacts the queue's scores back to integers after enough
// votes. Repeated midpoint inserts otherwise shrink the gaps until
// adjacent scores collide in float precision.
func (e *Engine) maybeRescore(ctx context.Context, nestID string) error {
	ops, err := e.store.Incr(ctx, store.NestKey(nestID, "MISC|vote-ops"))
	if err != nil {
		return err
	}
	if ops%rescoreEvery != 0 {
		return nil
	}

	members, err := e.store.ZRange(ctx, store.PriorityQueueKey(nestID), 0, -1)
	if err != nil {
		return err
	}
	pipe := e.store.Pipeline()
	for i, member := range members {
		pipe.ZAdd(ctx, store.PriorityQueueKey(nestID), zMember(member, float64(i+1)))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return err
	}
	e.logger.Info().Str("nest", nestID).Int("entries", len(members)).Msg("rescored queue")
	return nil
}
