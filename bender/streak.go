package bender

import (
	"context"
	"strconv"
	"time"

	"github.com/warble-fm/warble/store"
)

// StartStreak marks the beginning of an auto-fill run if one is not
// already in progress.
func (e *Engine) StartStreak(ctx context.Context, nestID string, now time.Time) error {
	_, err := e.store.SetNX(ctx, store.StreakStartKey(nestID), strconv.FormatInt(now.Unix(), 10), 0)
	return err
}

// ClearStreak ends the auto-fill run; called whenever a human contributes.
func (e *Engine) ClearStreak(ctx context.Context, nestID string) error {
	return e.store.Del(ctx, store.StreakStartKey(nestID))
}

// StreakExceeded reports whether the current auto-fill run has outlived
// the configured cap. No streak means not exceeded.
func (e *Engine) StreakExceeded(ctx context.Context, nestID string, now time.Time) (bool, error) {
	raw, ok, err := e.store.Get(ctx, store.StreakStartKey(nestID))
	if err != nil || !ok {
		return false, err
	}
	start, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return false, nil
	}
	elapsed := now.Sub(time.Unix(start, 0))
	return elapsed > time.Duration(e.cfg.MaxMinutes)*time.Minute, nil
}

// NoteHumanQueued resets recommendation state after a human track starts
// playing: record the fresh seed, filter the track against near-term
// refills, drop every strategy cache, and end any auto-fill streak. The
// caller kicks a prefetch afterwards so caches rebuild from the new seed.
func (e *Engine) NoteHumanQueued(ctx context.Context, nestID, uri string) error {
	if err := e.store.Set(ctx, store.LastQueuedKey(nestID), uri); err != nil {
		return err
	}
	if err := e.FilterTrack(ctx, nestID, uri); err != nil {
		return err
	}
	if err := e.ClearCaches(ctx, nestID); err != nil {
		return err
	}
	return e.ClearStreak(ctx, nestID)
}

// ClearCaches drops every strategy cache, the seed info and the preview
// slot so the next draw resolves a fresh seed.
func (e *Engine) ClearCaches(ctx context.Context, nestID string) error {
	keys := []string{seedInfoKey(nestID), previewKey(nestID), throwbackUsersKey(nestID), drawnKey(nestID)}
	for _, strategy := range allStrategies {
		keys = append(keys, cacheKey(nestID, strategy))
	}
	return e.store.Del(ctx, keys...)
}
