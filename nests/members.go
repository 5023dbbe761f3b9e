package nests

import (
	"context"
	"errors"
	"time"

	"github.com/warble-fm/warble/store"
)

// Membership is heartbeat-based: each connected client owns a per-member
// key with a short TTL and refreshes it while connected. The member set
// itself never expires; stale entries are pruned lazily on count.
const (
	memberTTL        = 90 * time.Second
	MemberRefreshInt = 30 * time.Second
)

func membersKey(nestID string) string {
	return store.NestKey(nestID, "MEMBERS")
}

func memberKey(nestID, identity string) string {
	return store.NestKey(nestID, "MEMBER:"+identity)
}

// Join registers a client in the nest and broadcasts the new member count.
func (m *Manager) Join(ctx context.Context, nestID, identity string) error {
	if deleting, err := m.IsDeleting(ctx, nestID); err != nil {
		return err
	} else if deleting {
		return ErrNestDeleting
	}

	if err := m.store.SAdd(ctx, membersKey(nestID), identity); err != nil {
		return err
	}
	if err := m.store.SetEx(ctx, memberKey(nestID, identity), "1", memberTTL); err != nil {
		return err
	}
	if err := m.Touch(ctx, nestID); err != nil && !errors.Is(err, ErrNotFound) {
		m.logger.Warn().Err(err).Str("nest", nestID).Msg("failed to touch nest on join")
	}
	return m.publishMemberCount(ctx, nestID)
}

// Leave removes a client and broadcasts the new member count.
func (m *Manager) Leave(ctx context.Context, nestID, identity string) error {
	if err := m.store.SRem(ctx, membersKey(nestID), identity); err != nil {
		return err
	}
	if err := m.store.Del(ctx, memberKey(nestID, identity)); err != nil {
		return err
	}
	return m.publishMemberCount(ctx, nestID)
}

// RefreshMember renews a connected client's heartbeat key.
func (m *Manager) RefreshMember(ctx context.Context, nestID, identity string) error {
	return m.store.SetEx(ctx, memberKey(nestID, identity), "1", memberTTL)
}

// CountActiveMembers counts members whose heartbeat key is still alive,
// pruning the ones whose key has expired.
func (m *Manager) CountActiveMembers(ctx context.Context, nestID string) (int, error) {
	members, err := m.store.SMembers(ctx, membersKey(nestID))
	if err != nil {
		return 0, err
	}
	active := 0
	for _, identity := range members {
		alive, err := m.store.Exists(ctx, memberKey(nestID, identity))
		if err != nil {
			return 0, err
		}
		if alive {
			active++
			continue
		}
		if err := m.store.SRem(ctx, membersKey(nestID), identity); err != nil {
			return 0, err
		}
	}
	return active, nil
}

func (m *Manager) publishMemberCount(ctx context.Context, nestID string) error {
	count, err := m.CountActiveMembers(ctx, nestID)
	if err != nil {
		return err
	}
	m.store.PublishNest(ctx, nestID, store.MemberUpdateMsg(count))
	return nil
}
