package nests

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

// MainNestID is the singleton default nest every deployment has.
const MainNestID = "main"

var (
	// ErrNotFound means no nest resolves from the given id/code/slug.
	ErrNotFound = errors.New("nests: nest not found")

	// ErrNestDeleting means a mutating call raced destructive cleanup.
	ErrNestDeleting = errors.New("nests: nest is being deleted")

	// ErrMainNest guards the default nest against deletion.
	ErrMainNest = errors.New("nests: cannot delete the main nest")
)

// deletingTTL bounds how long the DELETING sentinel can block a nest if
// the deleting worker crashes mid-cleanup.
const deletingTTL = 30 * time.Second

// Manager owns the nest registry: creation, resolution, deletion and the
// idle-reap predicate.
type Manager struct {
	store      *store.Store
	catalog    *catalog.Client
	logger     zerolog.Logger
	defaultTTL int // minutes before an idle nest is reaped; 0 = never
}

// NewManager builds a Manager. catalog may be nil; seed resolution is then
// skipped for nests created with a seed track.
func NewManager(st *store.Store, cat *catalog.Client, defaultTTLMinutes int, logger zerolog.Logger) *Manager {
	return &Manager{store: st, catalog: cat, logger: logger, defaultTTL: defaultTTLMinutes}
}

// DeletingKey is the per-nest destructive-cleanup sentinel.
func DeletingKey(nestID string) string {
	return store.NestKey(nestID, "DELETING")
}

// CreateOptions are the caller-supplied parts of a new nest.
type CreateOptions struct {
	Name       string // optional; drawn from the name pool when empty
	SeedTrack  string // optional spotify:track: URI biasing recommendations
	Vanity     string // optional custom slug
	TTLMinutes *int   // optional idle-reap override
}

// Create mints a new nest: unique 5-char code, name, slug, optional seed
// genre hint, and the registry + lookup entries.
func (m *Manager) Create(ctx context.Context, creator string, opts CreateOptions) (models.Nest, error) {
	code, err := m.reserveCode(ctx)
	if err != nil {
		return models.Nest{}, err
	}

	name := opts.Name
	if name == "" {
		name, err = m.pickName(ctx)
		if err != nil {
			return models.Nest{}, err
		}
	}

	slug := Slugify(name)
	if opts.Vanity != "" {
		if err := ValidateVanity(opts.Vanity); err != nil {
			return models.Nest{}, err
		}
		slug = strings.ToLower(opts.Vanity)
	}

	now := time.Now().UTC()
	ttl := m.defaultTTL
	if opts.TTLMinutes != nil {
		ttl = *opts.TTLMinutes
	}

	nest := models.Nest{
		NestID:       code,
		Code:         code,
		Slug:         slug,
		Name:         name,
		Creator:      creator,
		CreatedAt:    now,
		LastActivity: now,
		TTLMinutes:   ttl,
	}

	if opts.SeedTrack != "" && strings.HasPrefix(opts.SeedTrack, "spotify:track:") {
		nest.SeedURI = opts.SeedTrack
		nest.GenreHint = m.resolveGenreHint(ctx, opts.SeedTrack)
	}

	if err := m.persist(ctx, nest); err != nil {
		return models.Nest{}, err
	}
	if nest.Slug != "" {
		if err := m.store.Set(ctx, store.SlugKey(nest.Slug), nest.NestID); err != nil {
			m.logger.Warn().Err(err).Str("nest", nest.NestID).Msg("failed to store slug lookup")
		}
	}

	m.logger.Info().Str("nest", nest.NestID).Str("name", nest.Name).Str("creator", creator).Msg("created nest")
	return nest, nil
}

// EnsureMain creates the default nest's registry entry if it is missing.
func (m *Manager) EnsureMain(ctx context.Context) error {
	_, ok, err := m.store.HGet(ctx, store.RegistryKey, MainNestID)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	now := time.Now().UTC()
	main := models.Nest{
		NestID:       MainNestID,
		Code:         MainNestID,
		Name:         "Main",
		Creator:      "system",
		IsMain:       true,
		CreatedAt:    now,
		LastActivity: now,
		TTLMinutes:   0,
	}
	return m.persist(ctx, main)
}

func (m *Manager) persist(ctx context.Context, nest models.Nest) error {
	raw, err := json.Marshal(nest)
	if err != nil {
		return err
	}
	if err := m.store.HSet(ctx, store.RegistryKey, map[string]string{nest.NestID: string(raw)}); err != nil {
		return fmt.Errorf("store nest %s: %w", nest.NestID, err)
	}
	return m.store.Set(ctx, store.CodeKey(nest.Code), nest.NestID)
}

func (m *Manager) resolveGenreHint(ctx context.Context, seedURI string) string {
	if m.catalog == nil {
		return ""
	}
	track, err := m.catalog.Track(ctx, seedURI)
	if err != nil || len(track.Artists) == 0 {
		return ""
	}
	artist, err := m.catalog.Artist(ctx, track.Artists[0].ID)
	if err != nil || len(artist.Genres) == 0 {
		return ""
	}
	return artist.Genres[0]
}

// Get resolves a nest by id, code, or slug, in that order.
func (m *Manager) Get(ctx context.Context, key string) (models.Nest, error) {
	if nest, err := m.fromRegistry(ctx, key); err == nil {
		return nest, nil
	} else if !errors.Is(err, ErrNotFound) {
		return models.Nest{}, err
	}

	if id, ok, err := m.store.Get(ctx, store.CodeKey(strings.ToUpper(key))); err != nil {
		return models.Nest{}, err
	} else if ok {
		return m.fromRegistry(ctx, id)
	}

	if id, ok, err := m.store.Get(ctx, store.SlugKey(strings.ToLower(key))); err != nil {
		return models.Nest{}, err
	} else if ok {
		return m.fromRegistry(ctx, id)
	}

	return models.Nest{}, ErrNotFound
}

func (m *Manager) fromRegistry(ctx context.Context, nestID string) (models.Nest, error) {
	raw, ok, err := m.store.HGet(ctx, store.RegistryKey, nestID)
	if err != nil {
		return models.Nest{}, err
	}
	if !ok {
		return models.Nest{}, ErrNotFound
	}
	var nest models.Nest
	if err := json.Unmarshal([]byte(raw), &nest); err != nil {
		return models.Nest{}, fmt.Errorf("corrupt registry entry for %s: %w", nestID, err)
	}
	return nest, nil
}

// List returns every registered nest.
func (m *Manager) List(ctx context.Context) ([]models.Nest, error) {
	raw, err := m.store.HGetAll(ctx, store.RegistryKey)
	if err != nil {
		return nil, err
	}
	nests := make([]models.Nest, 0, len(raw))
	for id, entry := range raw {
		var nest models.Nest
		if err := json.Unmarshal([]byte(entry), &nest); err != nil {
			m.logger.Warn().Str("nest", id).Msg("skipping corrupt registry entry")
			continue
		}
		nests = append(nests, nest)
	}
	return nests, nil
}

// Delete tears a nest down: registry entry and lookups go first, then the
// whole NEST:{id}| keyspace in non-blocking batches. The DELETING sentinel
// makes concurrent mutations fail fast and expires on its own if we crash.
// Deleting an already-deleted nest is a no-op.
func (m *Manager) Delete(ctx context.Context, key string) error {
	nest, err := m.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	if nest.IsMain {
		return ErrMainNest
	}

	if err := m.store.SetEx(ctx, DeletingKey(nest.NestID), "1", deletingTTL); err != nil {
		return err
	}

	if err := m.store.HDel(ctx, store.RegistryKey, nest.NestID); err != nil {
		return err
	}
	keys := []string{store.CodeKey(nest.Code)}
	if nest.Slug != "" {
		keys = append(keys, store.SlugKey(nest.Slug))
	}
	if err := m.store.Del(ctx, keys...); err != nil {
		return err
	}

	deleted, err := m.store.ScanDelete(ctx, store.NestKey(nest.NestID, "*"))
	if err != nil {
		// Sentinel expiry will unblock the nest id; the reaper retries.
		return fmt.Errorf("cleanup of nest %s: %w", nest.NestID, err)
	}
	m.logger.Info().Str("nest", nest.NestID).Int64("keys", deleted).Msg("deleted nest")

	return m.store.Del(ctx, DeletingKey(nest.NestID))
}

// IsDeleting reports whether the DELETING sentinel is live for a nest.
func (m *Manager) IsDeleting(ctx context.Context, nestID string) (bool, error) {
	return m.store.Exists(ctx, DeletingKey(nestID))
}

// Touch records activity on a nest.
func (m *Manager) Touch(ctx context.Context, nestID string) error {
	nest, err := m.fromRegistry(ctx, nestID)
	if err != nil {
		return err
	}
	nest.LastActivity = time.Now().UTC()
	raw, err := json.Marshal(nest)
	if err != nil {
		return err
	}
	return m.store.HSet(ctx, store.RegistryKey, map[string]string{nest.NestID: string(raw)})
}

// Rename updates a nest's name and recomputes its slug.
func (m *Manager) Rename(ctx context.Context, nestID, name string) (models.Nest, error) {
	nest, err := m.fromRegistry(ctx, nestID)
	if err != nil {
		return models.Nest{}, err
	}
	if nest.Slug != "" {
		if err := m.store.Del(ctx, store.SlugKey(nest.Slug)); err != nil {
			return models.Nest{}, err
		}
	}
	nest.Name = name
	nest.Slug = Slugify(name)
	if err := m.persist(ctx, nest); err != nil {
		return models.Nest{}, err
	}
	if nest.Slug != "" {
		if err := m.store.Set(ctx, store.SlugKey(nest.Slug), nest.NestID); err != nil {
			return models.Nest{}, err
		}
	}
	return nest, nil
}

// ShouldDelete is the reaper predicate: a nest is reaped only when it is
// not the main nest, has no active members, has an empty queue, and has
// been idle past its TTL. A TTL of zero means never.
func ShouldDelete(nest models.Nest, activeMembers int, queueSize int64, now time.Time) bool {
	if nest.IsMain {
		return false
	}
	if activeMembers > 0 || queueSize > 0 {
		return false
	}
	if nest.TTLMinutes <= 0 {
		return false
	}
	return now.Sub(nest.LastActivity) >= time.Duration(nest.TTLMinutes)*time.Minute
}
