package models

import (
	"strconv"
	"time"
)

// BotUser is the identity the recommendation engine queues tracks under.
const BotUser = "bender@warble.fm"

// Song is one entry in a nest's queue. IDs are minted from the per-nest
// playlist-plays counter, so they are unique within a nest only.
type Song struct {
	ID              int64  `json:"id"`
	TrackID         string `json:"trackid"`
	Src             string `json:"src"`
	Title           string `json:"title"`
	Artist          string `json:"artist"`
	Duration        int    `json:"duration"` // seconds
	Img             string `json:"img"`
	BigImg          string `json:"big_img"`
	User            string `json:"user"`
	Vote            int    `json:"vote"`
	Auto            bool   `json:"auto"`
	BackgroundColor string `json:"background_color"`
	ForegroundColor string `json:"foreground_color"`

	// Podcast episodes only
	Type          string `json:"type,omitempty"`
	SecondaryText string `json:"secondary_text,omitempty"`
	ShowName      string `json:"show_name,omitempty"`
	Publisher     string `json:"publisher,omitempty"`
}

// HashFields flattens a song for storage in a Redis hash. Everything is a
// string at the store boundary; ParseSong is the inverse.
func (s Song) HashFields() map[string]string {
	m := map[string]string{
		"id":               strconv.FormatInt(s.ID, 10),
		"trackid":          s.TrackID,
		"src":              s.Src,
		"title":            s.Title,
		"artist":           s.Artist,
		"duration":         strconv.Itoa(s.Duration),
		"img":              s.Img,
		"big_img":          s.BigImg,
		"user":             s.User,
		"vote":             strconv.Itoa(s.Vote),
		"auto":             strconv.FormatBool(s.Auto),
		"background_color": s.BackgroundColor,
		"foreground_color": s.ForegroundColor,
	}
	if s.Type != "" {
		m["type"] = s.Type
	}
	if s.SecondaryText != "" {
		m["secondary_text"] = s.SecondaryText
	}
	if s.ShowName != "" {
		m["show_name"] = s.ShowName
	}
	if s.Publisher != "" {
		m["publisher"] = s.Publisher
	}
	return m
}

// ParseSong rebuilds a Song from its hash representation. Unparseable
// numeric fields come back zero rather than failing the whole read.
func ParseSong(m map[string]string) Song {
	id, _ := strconv.ParseInt(m["id"], 10, 64)
	duration, _ := strconv.Atoi(m["duration"])
	vote, _ := strconv.Atoi(m["vote"])
	auto, _ := strconv.ParseBool(m["auto"])
	return Song{
		ID:              id,
		TrackID:         m["trackid"],
		Src:             m["src"],
		Title:           m["title"],
		Artist:          m["artist"],
		Duration:        duration,
		Img:             m["img"],
		BigImg:          m["big_img"],
		User:            m["user"],
		Vote:            vote,
		Auto:            auto,
		BackgroundColor: m["background_color"],
		ForegroundColor: m["foreground_color"],
		Type:            m["type"],
		SecondaryText:   m["secondary_text"],
		ShowName:        m["show_name"],
		Publisher:       m["publisher"],
	}
}

// Jam is a single endorsement of a queue entry.
type Jam struct {
	User string `json:"user"`
	Time string `json:"time"` // ISO-8601
}

// Comment is a short text note attached to a queue entry.
type Comment struct {
	Time float64 `json:"time"` // unix seconds
	User string  `json:"user"`
	Body string  `json:"body"`
}

// QueuedSong is a song hydrated for queue listings.
type QueuedSong struct {
	Song
	Score    float64   `json:"score"`
	Jams     []Jam     `json:"jam"`
	Comments []Comment `json:"comments"`
}

// PreviewCard is the synthetic tail entry get_queued appends: the
// recommendation engine's next candidate, shown as an "up next" card.
type PreviewCard struct {
	Title       string `json:"title"`
	Name        string `json:"name"`
	User        string `json:"user"`
	TrackID     string `json:"trackid,omitempty"`
	Img         string `json:"img"`
	PlaylistSrc bool   `json:"playlist_src"`
	DMButtons   bool   `json:"dm_buttons"`
	Jams        []Jam  `json:"jam"`
}

// NowPlaying is the current track plus playhead state.
type NowPlaying struct {
	Song
	StartTime string `json:"starttime,omitempty"`
	EndTime   string `json:"endtime,omitempty"`
	Pos       int    `json:"pos"`
	Paused    bool   `json:"paused"`
}

// Nest is one tenant's metadata, stored as JSON in the registry hash.
type Nest struct {
	NestID       string    `json:"nest_id"`
	Code         string    `json:"code"`
	Slug         string    `json:"slug,omitempty"`
	Name         string    `json:"name"`
	Creator      string    `json:"creator"`
	IsMain       bool      `json:"is_main"`
	CreatedAt    time.Time `json:"created_at"`
	LastActivity time.Time `json:"last_activity"`
	TTLMinutes   int       `json:"ttl_minutes"` // 0 = never reaped
	SeedURI      string    `json:"seed_uri,omitempty"`
	GenreHint    string    `json:"genre_hint,omitempty"`
}

// Horn is one airhorn firing, kept on the nest's AIRHORNS list.
type Horn struct {
	Img    string `json:"img"`
	SongID int64  `json:"songid"`
	When   string `json:"when"` // ISO-8601
	Free   bool   `json:"free"`
	User   string `json:"user"`
	Artist string `json:"artist"`
	Title  string `json:"title"`
}

// HornLogEntry is the per-play airhorn record attached to finished plays.
type HornLogEntry struct {
	User string `json:"user"`
	When string `json:"when"`
	Free bool   `json:"free"`
}

// Play is a finished playback, appended to the play log and the
// playhistory sorted set.
type Play struct {
	Song
	EndTime  string         `json:"endtime"`
	Jams     []Jam          `json:"jam"`
	Airhorns []HornLogEntry `json:"airhorn"`
}
