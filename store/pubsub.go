package store

import (
	"context"
	"fmt"
	"strconv"
	"strings"
)

// Bus message vocabulary. One pub/sub channel per nest carries a closed set
// of plaintext, pipe-delimited messages consumed by the WebSocket and SSE
// adapters.
const (
	MsgPlaylistUpdate   = "playlist_update"
	MsgNowPlayingUpdate = "now_playing_update"
	MsgUpdateFreehorn   = "update_freehorn"

	ppPrefix      = "pp|"
	volumePrefix  = "v|"
	airhornPrefix = "do_airhorn|"
	memberPrefix  = "member_update|"
)

// Channel is the pub/sub channel name for a nest.
func Channel(nestID string) string {
	return NestKey(nestID, "MISC|update-pubsub")
}

// PublishNest sends msg on the nest's update channel.
func (s *Store) PublishNest(ctx context.Context, nestID, msg string) {
	if err := s.Publish(ctx, Channel(nestID), msg); err != nil {
		s.logger.Warn().Err(err).Str("nest", nestID).Str("msg", msg).Msg("publish failed")
	}
}

// PositionMsg formats a per-second playhead tick.
func PositionMsg(src, trackID string, elapsed int) string {
	return fmt.Sprintf("pp|%s|%s|%d", src, trackID, elapsed)
}

// VolumeMsg formats a volume change.
func VolumeMsg(vol int) string {
	return volumePrefix + strconv.Itoa(vol)
}

// AirhornMsg formats an airhorn firing.
func AirhornMsg(volume float64, name string) string {
	return fmt.Sprintf("do_airhorn|%.1f|%s", volume, name)
}

// MemberUpdateMsg formats a membership-count change.
func MemberUpdateMsg(count int) string {
	return memberPrefix + strconv.Itoa(count)
}

// Event is a bus message decoded for client delivery.
type Event struct {
	Kind    string // one of the Msg* values or "pp", "v", "do_airhorn", "member_update"
	Src     string
	TrackID string
	Elapsed int
	Volume  string
	Horn    float64
	Name    string
	Count   int
}

// ParseEvent decodes a raw bus message. Unknown messages return ok=false
// and are skipped by consumers.
func ParseEvent(raw string) (Event, bool) {
	switch {
	case raw == MsgPlaylistUpdate, raw == MsgNowPlayingUpdate, raw == MsgUpdateFreehorn:
		return Event{Kind: raw}, true
	case strings.HasPrefix(raw, ppPrefix):
		parts := strings.SplitN(raw, "|", 4)
		if len(parts) != 4 {
			return Event{}, false
		}
		elapsed, err := strconv.Atoi(parts[3])
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: "pp", Src: parts[1], TrackID: parts[2], Elapsed: elapsed}, true
	case strings.HasPrefix(raw, volumePrefix):
		return Event{Kind: "v", Volume: raw[len(volumePrefix):]}, true
	case strings.HasPrefix(raw, airhornPrefix):
		parts := strings.SplitN(raw, "|", 3)
		if len(parts) != 3 {
			return Event{}, false
		}
		vol, err := strconv.ParseFloat(parts[1], 64)
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: "do_airhorn", Horn: vol, Name: parts[2]}, true
	case strings.HasPrefix(raw, memberPrefix):
		count, err := strconv.Atoi(raw[len(memberPrefix):])
		if err != nil {
			return Event{}, false
		}
		return Event{Kind: "member_update", Count: count}, true
	}
	return Event{}, false
}
