package queue

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

const airhornVolume = 0.4

// Horns returns the nest's airhorn log, newest first.
func (e *Engine) Horns(ctx context.Context, nestID string) ([]models.Horn, error) {
	raw, err := e.store.LRange(ctx, store.AirhornsKey(nestID), 0, -1)
	if err != nil {
		return nil, err
	}
	horns := make([]models.Horn, 0, len(raw))
	for i := len(raw) - 1; i >= 0; i-- {
		var horn models.Horn
		if err := json.Unmarshal([]byte(raw[i]), &horn); err != nil {
			continue
		}
		horns = append(horns, horn)
	}
	return horns, nil
}

// trimHorns drops horns older than the expiry window, keeping at least
// MinLen entries and removing at most ExpireCount per call.
func (e *Engine) trimHorns(ctx context.Context, nestID string) error {
	cutoff := time.Now().UTC().Add(-e.cfg.AirhornExpire).Format(time.RFC3339)

	key := store.AirhornsKey(nestID)
	raw, err := e.store.LRange(ctx, key, 0, -1)
	if err != nil {
		return err
	}
	if len(raw) < e.cfg.AirhornMinLen {
		return nil
	}

	popped := 0
	for _, entry := range raw {
		var horn models.Horn
		if err := json.Unmarshal([]byte(entry), &horn); err != nil || horn.When >= cutoff {
			break
		}
		if _, _, err := e.store.LPop(ctx, key); err != nil {
			return err
		}
		popped++
		if popped >= e.cfg.AirhornExpireCount || len(raw)-popped < e.cfg.AirhornMinLen {
			break
		}
	}
	return nil
}

func (e *Engine) doHorn(ctx context.Context, nestID, userid string, free bool, name string) error {
	playing, ok, err := e.NowPlaying(ctx, nestID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Warn().Str("nest", nestID).Msg("airhorn with nothing playing")
		return nil
	}

	horn := models.Horn{
		Img:    playing.Img,
		SongID: playing.ID,
		When:   time.Now().UTC().Format(time.RFC3339),
		Free:   free,
		User:   userid,
		Artist: playing.Artist,
		Title:  playing.Title,
	}
	raw, err := json.Marshal(horn)
	if err != nil {
		return err
	}
	if err := e.store.RPush(ctx, store.AirhornsKey(nestID), string(raw)); err != nil {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.AirhornMsg(airhornVolume, name))
	return nil
}

// Airhorn fires a paid horn unless the live (non-free) horn cap is hit.
func (e *Engine) Airhorn(ctx context.Context, nestID, userid, name string) error {
	if err := e.trimHorns(ctx, nestID); err != nil {
		return err
	}
	horns, err := e.Horns(ctx, nestID)
	if err != nil {
		return err
	}
	paid := 0
	for _, horn := range horns {
		if !horn.Free {
			paid++
		}
	}
	if paid >= e.cfg.AirhornMax {
		e.logger.Debug().Str("nest", nestID).Str("user", userid).Msg("airhorn cap hit")
		return nil
	}
	return e.doHorn(ctx, nestID, userid, false, name)
}

// FreeAirhorn spends one of the caller's earned horns, if any.
func (e *Engine) FreeAirhorn(ctx context.Context, nestID, userid string) error {
	if err := e.trimHorns(ctx, nestID); err != nil {
		return err
	}
	_, ok, err := e.store.SPop(ctx, store.FreehornKey(nestID, userid))
	if err != nil || !ok {
		return err
	}
	e.store.PublishNest(ctx, nestID, store.MsgUpdateFreehorn)
	return e.doHorn(ctx, nestID, userid, true, "")
}

// FreeHornCount reports how many free horns a user has banked.
func (e *Engine) FreeHornCount(ctx context.Context, nestID, userid string) (int64, error) {
	return e.store.SCard(ctx, store.FreehornKey(nestID, userid))
}

// HornsForSong collects the horns fired during one entry's play, for the
// finished-play log.
func (e *Engine) HornsForSong(ctx context.Context, nestID string, id int64) ([]models.HornLogEntry, error) {
	raw, err := e.store.LRange(ctx, store.AirhornsKey(nestID), 0, -1)
	if err != nil {
		return nil, err
	}
	// list not set: repeat horns on the same song are part of the record
	var entries []models.HornLogEntry
	for _, item := range raw {
		var horn models.Horn
		if err := json.Unmarshal([]byte(item), &horn); err != nil {
			continue
		}
		if horn.SongID == id {
			entries = append(entries, models.HornLogEntry{User: horn.User, When: horn.When, Free: horn.Free})
		}
	}
	return entries, nil
}

// Volume returns the nest volume, initializing the default on first read.
func (e *Engine) Volume(ctx context.Context, nestID string) (int, error) {
	raw, ok, err := e.store.Get(ctx, store.VolumeKey(nestID))
	if err != nil {
		return 0, err
	}
	if !ok {
		if err := e.store.Set(ctx, store.VolumeKey(nestID), "95"); err != nil {
			return 0, err
		}
		return 95, nil
	}
	vol, err := strconv.Atoi(raw)
	if err != nil {
		return 0, err
	}
	return vol, nil
}

// SetVolume clamps to 0-100, stores and broadcasts.
func (e *Engine) SetVolume(ctx context.Context, nestID string, vol int) (int, error) {
	vol = max(0, min(100, vol))
	if err := e.store.Set(ctx, store.VolumeKey(nestID), strconv.Itoa(vol)); err != nil {
		return 0, err
	}
	e.store.PublishNest(ctx, nestID, store.VolumeMsg(vol))
	return vol, nil
}
