package history

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

// filePattern names one day's log. Underscores because the files predate
// this service and existing logs must keep loading.
const filePattern = "play_log_2006_01_02.json"

// Log records finished plays twice: appended as one JSON object per line
// to a per-day file, and added to the playhistory sorted set scored by the
// play's end time in Unix seconds. The files are the durable record; the
// sorted set is the query surface.
type Log struct {
	dir    string
	store  *store.Store
	logger zerolog.Logger
}

// New creates the log directory if needed.
func New(dir string, st *store.Store, logger zerolog.Logger) (*Log, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("history: create log dir: %w", err)
	}
	return &Log{dir: dir, store: st, logger: logger}, nil
}

// Append records one finished play at the given end time.
func (l *Log) Append(ctx context.Context, play models.Play, end time.Time) error {
	play.EndTime = strconv.FormatInt(end.Unix(), 10)
	raw, err := json.Marshal(play)
	if err != nil {
		return err
	}

	path := filepath.Join(l.dir, end.UTC().Format(filePattern))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := f.Write(append(raw, '\n')); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}

	return l.store.ZAdd(ctx, store.PlayHistoryKey, string(raw), float64(end.Unix()))
}

// InitFromFiles rebuilds the playhistory sorted set from the day files.
// ZAdd on an identical member is idempotent, so reloading over a live set
// is safe.
func (l *Log) InitFromFiles(ctx context.Context) error {
	days, err := l.logDays()
	if err != nil {
		return err
	}
	loaded := 0
	for _, day := range days {
		plays, lines, err := l.readDay(day)
		if err != nil {
			l.logger.Warn().Err(err).Time("day", day).Msg("skipping unreadable play log")
			continue
		}
		for i, play := range plays {
			end, err := strconv.ParseInt(play.EndTime, 10, 64)
			if err != nil {
				continue
			}
			if err := l.store.ZAdd(ctx, store.PlayHistoryKey, lines[i], float64(end)); err != nil {
				return err
			}
			loaded++
		}
	}
	l.logger.Info().Int("plays", loaded).Int("days", len(days)).Msg("loaded play history")
	return nil
}

// Recent returns the n most recent plays, newest first.
func (l *Log) Recent(ctx context.Context, n int) ([]models.Play, error) {
	raw, err := l.store.ZRange(ctx, store.PlayHistoryKey, int64(-n), -1)
	if err != nil {
		return nil, err
	}
	plays := make([]models.Play, 0, len(raw))
	for _, entry := range raw {
		var play models.Play
		if err := json.Unmarshal([]byte(entry), &play); err != nil {
			continue
		}
		plays = append(plays, play)
	}
	slices.Reverse(plays)
	return plays, nil
}

// UserPlays returns every play queued by user, oldest first.
func (l *Log) UserPlays(ctx context.Context, user string) ([]models.Play, error) {
	return l.filter(ctx, func(p models.Play) bool { return p.User == user })
}

// UserJams returns every play the user jammed on, oldest first.
func (l *Log) UserJams(ctx context.Context, user string) ([]models.Play, error) {
	return l.filter(ctx, func(p models.Play) bool {
		for _, jam := range p.Jams {
			if jam.User == user {
				return true
			}
		}
		return false
	})
}

func (l *Log) filter(ctx context.Context, keep func(models.Play) bool) ([]models.Play, error) {
	raw, err := l.store.ZRange(ctx, store.PlayHistoryKey, 0, -1)
	if err != nil {
		return nil, err
	}
	var plays []models.Play
	for _, entry := range raw {
		var play models.Play
		if err := json.Unmarshal([]byte(entry), &play); err != nil {
			continue
		}
		if keep(play) {
			plays = append(plays, play)
		}
	}
	return plays, nil
}

// Candidate is one throwback pick: a track and the human who queued it.
type Candidate struct {
	URI  string
	User string
}

// Throwback scans past day files sharing now's day of week, skipping
// today, plays queued by the recommendation bot, and anything that is
// not a plain catalog track, dedupes by track, shuffles, and caps the
// result.
func (l *Log) Throwback(now time.Time, limit int) ([]Candidate, error) {
	days, err := l.logDays()
	if err != nil {
		return nil, err
	}
	today := now.UTC().Truncate(24 * time.Hour)

	seen := make(map[string]bool)
	var picks []Candidate
	for _, day := range days {
		if day.Weekday() != now.UTC().Weekday() || day.Equal(today) {
			continue
		}
		plays, _, err := l.readDay(day)
		if err != nil {
			continue
		}
		for _, play := range plays {
			if play.User == models.BotUser || seen[play.TrackID] {
				continue
			}
			if !strings.HasPrefix(play.TrackID, "spotify:track:") {
				continue
			}
			seen[play.TrackID] = true
			picks = append(picks, Candidate{URI: play.TrackID, User: play.User})
		}
	}

	rand.Shuffle(len(picks), func(i, j int) { picks[i], picks[j] = picks[j], picks[i] })
	if limit > 0 && len(picks) > limit {
		picks = picks[:limit]
	}
	return picks, nil
}

// logDays lists the dates that have a day file, oldest first.
func (l *Log) logDays() ([]time.Time, error) {
	entries, err := os.ReadDir(l.dir)
	if err != nil {
		return nil, err
	}
	var days []time.Time
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		day, err := time.Parse(filePattern, entry.Name())
		if err != nil {
			continue
		}
		days = append(days, day)
	}
	slices.SortFunc(days, func(a, b time.Time) int { return a.Compare(b) })
	return days, nil
}

// readDay parses one day file, returning the plays and their raw lines.
func (l *Log) readDay(day time.Time) ([]models.Play, []string, error) {
	f, err := os.Open(filepath.Join(l.dir, day.Format(filePattern)))
	if err != nil {
		return nil, nil, err
	}
	defer f.Close()

	var plays []models.Play
	var lines []string
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}
		var play models.Play
		if err := json.Unmarshal([]byte(line), &play); err != nil {
			l.logger.Warn().Time("day", day).Msg("skipping malformed play log line")
			continue
		}
		plays = append(plays, play)
		lines = append(lines, line)
	}
	return plays, lines, scanner.Err()
}
