package store

import "strconv"

func itoa(id int64) string { return strconv.FormatInt(id, 10) }

// Key layout. Every per-nest key carries the NEST:{nest_id}| prefix; the
// registry and play-history keys are global.

const (
	// Global keys
	RegistryKey      = "NESTS|registry"
	PlayHistoryKey   = "playhistory"
	RateLimitedKey   = "MISC|spotify-rate-limited"
	codeLookupPrefix = "NESTS|code:"
	slugLookupPrefix = "NESTS|slug:"
)

// NestKey prefixes name with the per-nest namespace.
func NestKey(nestID, name string) string {
	return "NEST:" + nestID + "|" + name
}

// Per-nest well-known keys, shared by the queue, playhead and
// recommendation packages.

func PriorityQueueKey(nestID string) string { return NestKey(nestID, "MISC|priority-queue") }
func PlaylistPlaysKey(nestID string) string { return NestKey(nestID, "MISC|playlist-plays") }
func NowPlayingKey(nestID string) string    { return NestKey(nestID, "MISC|now-playing") }
func CurrentDoneKey(nestID string) string   { return NestKey(nestID, "MISC|current-done") }
func StartedOnKey(nestID string) string     { return NestKey(nestID, "MISC|started-on") }
func PausedKey(nestID string) string        { return NestKey(nestID, "MISC|paused") }
func ForceJumpKey(nestID string) string     { return NestKey(nestID, "MISC|force-jump") }
func PlayerNowKey(nestID string) string     { return NestKey(nestID, "MISC|player-now") }
func VolumeKey(nestID string) string        { return NestKey(nestID, "MISC|volume") }
func LastPlayedKey(nestID string) string    { return NestKey(nestID, "MISC|last-played") }
func LastQueuedKey(nestID string) string    { return NestKey(nestID, "MISC|last-queued") }
func MasterPlayerKey(nestID string) string  { return NestKey(nestID, "MISC|master-player") }
func AirhornsKey(nestID string) string      { return NestKey(nestID, "AIRHORNS") }
func StreakStartKey(nestID string) string   { return NestKey(nestID, "MISC|bender-streak-start") }

// QueueEntryKey holds one queue entry's fields.
func QueueEntryKey(nestID string, id int64) string {
	return NestKey(nestID, "QUEUE|"+itoa(id))
}

// VoteKey tracks which identities voted on an entry.
func VoteKey(nestID string, id int64) string {
	return NestKey(nestID, "QUEUE|VOTE|"+itoa(id))
}

// JamKey is the per-entry endorsement sorted set.
func JamKey(nestID string, id int64) string {
	return NestKey(nestID, "QUEUEJAM|"+itoa(id))
}

// CommentsKey is the per-entry comment sorted set.
func CommentsKey(nestID string, id int64) string {
	return NestKey(nestID, "COMMENTS|"+itoa(id))
}

// FreehornKey is a user's stash of earned free airhorns.
func FreehornKey(nestID, user string) string {
	return NestKey(nestID, "FREEHORN_"+user)
}

// CodeKey is the global code → nest_id lookup key.
func CodeKey(code string) string {
	return codeLookupPrefix + code
}

// SlugKey is the global slug → nest_id lookup key.
func SlugKey(slug string) string {
	return slugLookupPrefix + slug
}
