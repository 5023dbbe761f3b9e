package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/warble-fm/warble/bender"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

const (
	readTimeout  = 30 * time.Second
	writeTimeout = 10 * time.Second
)

// Frame type bytes. Data frames are '1' followed by a JSON array of
// [event, args...]; '0' is a client heartbeat. Any other leading byte
// closes the connection.
const (
	frameData      = '1'
	frameHeartbeat = '0'
)

// Deps are the services a session dispatches client intents onto.
type Deps struct {
	Store  *store.Store
	Nests  *nests.Manager
	Queue  *queue.Engine
	Bender *bender.Engine
}

// Session is one WebSocket connection bound to a nest. It pumps bus
// events to the client and maps client intents onto core operations.
// A volume-only session carries the same machinery but accepts and
// emits only the volume vocabulary.
type Session struct {
	conn       *websocket.Conn
	deps       Deps
	nest       models.Nest
	identity   string
	volumeOnly bool
	logger     zerolog.Logger

	writeMu sync.Mutex
}

// New binds an upgraded connection to a nest.
func New(conn *websocket.Conn, deps Deps, nest models.Nest, identity string, volumeOnly bool, logger zerolog.Logger) *Session {
	return &Session{
		conn:       conn,
		deps:       deps,
		nest:       nest,
		identity:   identity,
		volumeOnly: volumeOnly,
		logger: logger.With().
			Str("nest", nest.NestID).
			Str("user", identity).
			Bool("volume_only", volumeOnly).
			Logger(),
	}
}

// NestIDFromPath resolves a socket URL path to a nest key. The bare
// path serves the main nest.
func NestIDFromPath(path, prefix string) string {
	rest := strings.Trim(strings.TrimPrefix(path, prefix), "/")
	if rest == "" {
		return nests.MainNestID
	}
	return rest
}

// Run services the connection until the client disconnects or ctx
// ends. It joins membership, then runs the pub/sub pump and the member
// heartbeat alongside the read loop.
func (s *Session) Run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	defer s.conn.Close()

	if err := s.deps.Nests.Join(ctx, s.nest.NestID, s.identity); err != nil {
		if errors.Is(err, nests.ErrNestDeleting) {
			s.emit("error", "this nest is shutting down")
		} else {
			s.logger.Warn().Err(err).Msg("join failed")
		}
		return
	}
	defer func() {
		leaveCtx, leaveCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer leaveCancel()
		if err := s.deps.Nests.Leave(leaveCtx, s.nest.NestID, s.identity); err != nil {
			s.logger.Warn().Err(err).Msg("leave failed")
		}
	}()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		s.pump(ctx)
	}()
	go func() {
		defer wg.Done()
		s.heartbeat(ctx)
	}()

	s.readLoop(ctx)
	cancel()
	wg.Wait()
	s.logger.Debug().Msg("session closed")
}

// pump subscribes to the nest's bus channel and forwards each message
// to the client as a typed event.
func (s *Session) pump(ctx context.Context) {
	sub := s.deps.Store.Subscribe(ctx, store.Channel(s.nest.NestID))
	defer sub.Close()

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-ch:
			if !ok {
				return
			}
			event, evOK := store.ParseEvent(msg.Payload)
			if !evOK {
				continue
			}
			s.deliver(event)
		}
	}
}

// deliver translates one bus event into a client frame. Volume-only
// sessions see nothing but volume changes.
func (s *Session) deliver(event store.Event) {
	if s.volumeOnly && event.Kind != "v" {
		return
	}
	switch event.Kind {
	case store.MsgPlaylistUpdate, store.MsgNowPlayingUpdate, store.MsgUpdateFreehorn:
		s.emit(event.Kind)
	case "pp":
		s.emit("pp", event.Src, event.TrackID, event.Elapsed)
	case "v":
		s.emit("v", event.Volume)
	case "do_airhorn":
		s.emit("do_airhorn", event.Horn, event.Name)
	case "member_update":
		s.emit("member_update", event.Count)
	}
}

// heartbeat refreshes this member's TTL while the connection lives.
func (s *Session) heartbeat(ctx context.Context) {
	ticker := time.NewTicker(nests.MemberRefreshInt)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := s.deps.Nests.RefreshMember(ctx, s.nest.NestID, s.identity); err != nil {
				s.logger.Warn().Err(err).Msg("member refresh failed")
			}
		}
	}
}

func (s *Session) readLoop(ctx context.Context) {
	for {
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return
		}
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.logger.Debug().Err(err).Msg("socket read ended")
			}
			return
		}
		if len(raw) == 0 {
			continue
		}
		switch raw[0] {
		case frameHeartbeat:
			if err := s.deps.Nests.RefreshMember(ctx, s.nest.NestID, s.identity); err != nil {
				s.logger.Warn().Err(err).Msg("member refresh failed")
			}
		case frameData:
			s.handleFrame(ctx, raw[1:])
		default:
			// unknown frame type, hang up
			return
		}
	}
}

func (s *Session) handleFrame(ctx context.Context, payload []byte) {
	var parts []json.RawMessage
	if err := json.Unmarshal(payload, &parts); err != nil || len(parts) == 0 {
		s.emit("error", "malformed frame")
		return
	}
	var event string
	if err := json.Unmarshal(parts[0], &event); err != nil {
		s.emit("error", "malformed frame")
		return
	}
	event = strings.ReplaceAll(event, "-", "_")

	if err := s.dispatch(ctx, event, parts[1:]); err != nil {
		switch {
		case errors.Is(err, nests.ErrNestDeleting):
			s.emit("error", "this nest is shutting down")
		case errors.Is(err, queue.ErrQueueFull):
			s.emit("error", err.Error())
		case errors.Is(err, errUnknownEvent):
			s.emit("error", "unknown event: "+event)
		case errors.Is(err, errBadArgs):
			s.emit("error", "bad arguments for "+event)
		default:
			s.logger.Warn().Err(err).Str("event", event).Msg("intent failed")
			s.emit("error", "that didn't work, try again")
		}
	}
}

var (
	errUnknownEvent = errors.New("unknown event")
	errBadArgs      = errors.New("bad arguments")
)

func arg[T any](args []json.RawMessage, i int) (T, error) {
	var v T
	if i >= len(args) {
		return v, errBadArgs
	}
	if err := json.Unmarshal(args[i], &v); err != nil {
		return v, errBadArgs
	}
	return v, nil
}

// dispatch maps one client intent onto a core operation. Volume-only
// sessions are restricted to the volume vocabulary.
func (s *Session) dispatch(ctx context.Context, event string, args []json.RawMessage) error {
	nestID := s.nest.NestID

	switch event {
	case "on_set_volume":
		vol, err := arg[int](args, 0)
		if err != nil {
			return err
		}
		_, err = s.deps.Queue.SetVolume(ctx, nestID, vol)
		return err
	case "on_get_volume":
		vol, err := s.deps.Queue.Volume(ctx, nestID)
		if err != nil {
			return err
		}
		s.emit("v", fmt.Sprintf("%d", vol))
		return nil
	}

	if s.volumeOnly {
		return errUnknownEvent
	}

	switch event {
	case "on_add_song":
		uri, err := arg[string](args, 0)
		if err != nil {
			return err
		}
		_, err = s.deps.Queue.AddCatalogTrack(ctx, nestID, s.identity, uri, queue.AddOptions{})
		return err
	case "on_vote":
		id, err := arg[int64](args, 0)
		if err != nil {
			return err
		}
		up, err := arg[bool](args, 1)
		if err != nil {
			return err
		}
		return s.deps.Queue.Vote(ctx, nestID, s.identity, id, up)
	case "on_remove_song":
		id, err := arg[int64](args, 0)
		if err != nil {
			return err
		}
		return s.deps.Queue.Kill(ctx, nestID, id)
	case "on_skip":
		return s.deps.Queue.Skip(ctx, nestID)
	case "on_pause":
		return s.deps.Queue.Pause(ctx, nestID)
	case "on_resume":
		return s.deps.Queue.Unpause(ctx, nestID)
	case "on_clear":
		return s.deps.Queue.Nuke(ctx, nestID)
	case "on_jam":
		id, err := arg[int64](args, 0)
		if err != nil {
			return err
		}
		return s.deps.Queue.Jam(ctx, nestID, s.identity, id)
	case "on_comment":
		id, err := arg[int64](args, 0)
		if err != nil {
			return err
		}
		text, err := arg[string](args, 1)
		if err != nil {
			return err
		}
		return s.deps.Queue.Comment(ctx, nestID, s.identity, id, text)
	case "on_airhorn":
		name, _ := arg[string](args, 0)
		return s.deps.Queue.Airhorn(ctx, nestID, s.identity, name)
	case "on_free_airhorn":
		return s.deps.Queue.FreeAirhorn(ctx, nestID, s.identity)
	case "on_benderqueue":
		trackID, err := arg[string](args, 0)
		if err != nil {
			return err
		}
		return s.deps.Bender.BenderQueue(ctx, s.nest, s.identity, trackID)
	case "on_benderfilter":
		trackID, err := arg[string](args, 0)
		if err != nil {
			return err
		}
		return s.deps.Bender.BenderFilter(ctx, s.nest, s.identity, trackID)
	}
	return errUnknownEvent
}

// emit writes one data frame to the client.
func (s *Session) emit(event string, args ...any) {
	frame, err := EncodeFrame(event, args...)
	if err != nil {
		s.logger.Warn().Err(err).Str("event", event).Msg("frame encode failed")
		return
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := s.conn.WriteMessage(websocket.TextMessage, frame); err != nil {
		s.logger.Debug().Err(err).Msg("socket write failed")
	}
}

// EncodeFrame builds a data frame: '1' followed by [event, args...].
func EncodeFrame(event string, args ...any) ([]byte, error) {
	body := make([]any, 0, len(args)+1)
	body = append(body, event)
	body = append(body, args...)
	raw, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	return append([]byte{frameData}, raw...), nil
}
