package main

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/store"
)

const sseKeepalive = 15 * time.Second

// GET /api/events. A self-contained server-sent-events stream: bus
// messages arrive as typed events, and the queue/now-playing snapshots
// are re-fetched server-side so SSE clients never call back.
func (app *application) handleEvents(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		jsonError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	nest, err := app.nestFrom(r, "")
	if err != nil {
		app.writeOpError(w, err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	sub := app.store.Subscribe(r.Context(), store.Channel(nest.NestID))
	defer sub.Close()

	send := func(event string, data any) bool {
		raw, err := json.Marshal(data)
		if err != nil {
			return true
		}
		if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, raw); err != nil {
			return false
		}
		flusher.Flush()
		return true
	}

	// initial snapshots so a client is current immediately
	if !app.sendQueueSnapshot(r, nest, send) {
		return
	}
	if !app.sendNowPlaying(r, nest, send) {
		return
	}

	keepalive := time.NewTicker(sseKeepalive)
	defer keepalive.Stop()
	ch := sub.Channel()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case msg, open := <-ch:
			if !open {
				return
			}
			event, parsed := store.ParseEvent(msg.Payload)
			if !parsed {
				continue
			}
			if !app.dispatchSSE(r, nest, event, send) {
				return
			}
		}
	}
}

func (app *application) dispatchSSE(r *http.Request, nest models.Nest, event store.Event, send func(string, any) bool) bool {
	switch event.Kind {
	case store.MsgPlaylistUpdate:
		return app.sendQueueSnapshot(r, nest, send)
	case store.MsgNowPlayingUpdate:
		// track changes reorder the visible queue too
		return app.sendNowPlaying(r, nest, send) && app.sendQueueSnapshot(r, nest, send)
	case "pp":
		return send("player_position", struct {
			Src     string `json:"src"`
			TrackID string `json:"trackid"`
			Elapsed int    `json:"elapsed"`
		}{event.Src, event.TrackID, event.Elapsed})
	case "v":
		return send("volume", map[string]string{"volume": event.Volume})
	case "do_airhorn":
		return send("airhorn", struct {
			Volume float64 `json:"volume"`
			Name   string  `json:"name"`
		}{event.Horn, event.Name})
	}
	return true
}

func (app *application) sendQueueSnapshot(r *http.Request, nest models.Nest, send func(string, any) bool) bool {
	entries, preview, err := app.queueWithPreview(r, nest)
	if err != nil {
		app.logger.Warn().Err(err).Str("nest", nest.NestID).Msg("sse queue refetch failed")
		return true
	}
	return send("queue_update", struct {
		Queue   []models.QueuedSong `json:"queue"`
		Preview *models.PreviewCard `json:"up_next,omitempty"`
	}{entries, preview})
}

func (app *application) sendNowPlaying(r *http.Request, nest models.Nest, send func(string, any) bool) bool {
	np, playing, err := app.queue.NowPlaying(r.Context(), nest.NestID)
	if err != nil {
		app.logger.Warn().Err(err).Str("nest", nest.NestID).Msg("sse now-playing refetch failed")
		return true
	}
	return send("now_playing", struct {
		Playing    bool              `json:"playing"`
		NowPlaying models.NowPlaying `json:"now_playing"`
	}{playing, np})
}
