package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/spf13/viper"

	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/session"
)

func jsonResponse(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func jsonError(w http.ResponseWriter, statusCode int, msg string) {
	jsonResponse(w, statusCode, map[string]string{"error": msg})
}

// decodeBody reads a small JSON body into dst.
func decodeBody(r *http.Request, dst any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<16))
	return dec.Decode(dst)
}

// nestFrom resolves the target nest from the request. Reads accept a
// `nest` query parameter; writes may carry `nest_id` in the body
// instead. Missing means main.
func (app *application) nestFrom(r *http.Request, bodyNest string) (models.Nest, error) {
	key := bodyNest
	if q := r.URL.Query().Get("nest"); q != "" {
		key = q
	}
	if key == "" {
		key = nests.MainNestID
	}
	return app.nests.Get(r.Context(), key)
}

// writeOpError maps core errors onto HTTP statuses.
func (app *application) writeOpError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, nests.ErrNotFound):
		jsonError(w, http.StatusNotFound, "no such nest")
	case errors.Is(err, nests.ErrNestDeleting):
		jsonError(w, http.StatusConflict, "this nest is shutting down")
	case errors.Is(err, queue.ErrQueueFull):
		jsonError(w, http.StatusConflict, err.Error())
	case errors.Is(err, catalog.ErrNotFound):
		jsonError(w, http.StatusNotFound, "track not found")
	case errors.Is(err, catalog.ErrRateLimited):
		jsonError(w, http.StatusServiceUnavailable, "catalog is rate limited, try again soon")
	default:
		app.logger.Error().Err(err).Msg("request failed")
		jsonError(w, http.StatusInternalServerError, "internal error")
	}
}

// GET /playing/
func (app *application) handlePlaying(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nestFrom(r, "")
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	np, ok, err := app.queue.NowPlaying(r.Context(), nest.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	now, err := app.queue.PlayerNow(r.Context(), nest.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, struct {
		Playing    bool              `json:"playing"`
		Paused     bool              `json:"paused"`
		NowPlaying models.NowPlaying `json:"now_playing"`
		ServerNow  string            `json:"server_now"`
	}{ok, np.Paused, np, now.Format(time.RFC3339)})
}

// GET /queue/
func (app *application) handleQueue(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nestFrom(r, "")
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	entries, preview, err := app.queueWithPreview(r, nest)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, struct {
		Queue   []models.QueuedSong `json:"queue"`
		Preview *models.PreviewCard `json:"up_next,omitempty"`
	}{entries, preview})
}

// queueWithPreview appends the recommendation preview card as the
// synthetic tail shown under the real entries.
func (app *application) queueWithPreview(r *http.Request, nest models.Nest) ([]models.QueuedSong, *models.PreviewCard, error) {
	entries, err := app.queue.Queued(r.Context(), nest.NestID)
	if err != nil {
		return nil, nil, err
	}
	if !app.bender.Enabled() {
		return entries, nil, nil
	}
	card := app.bender.Preview(r.Context(), nest)
	return entries, &card, nil
}

// GET /get_volume/
func (app *application) handleGetVolume(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nestFrom(r, "")
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	vol, err := app.queue.Volume(r.Context(), nest.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int{"volume": vol})
}

// GET /last/
func (app *application) handleLast(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nestFrom(r, "")
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	play, ok, err := app.queue.LastPlayed(r.Context(), nest.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	if !ok {
		jsonResponse(w, http.StatusOK, nil)
		return
	}
	jsonResponse(w, http.StatusOK, play)
}

// GET /history/{n}
func (app *application) handleHistory(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 || n > 500 {
		jsonError(w, http.StatusBadRequest, "count must be 1-500")
		return
	}
	plays, err := app.history.Recent(r.Context(), n)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, plays)
}

// GET /user_history/{userid}
func (app *application) handleUserHistory(w http.ResponseWriter, r *http.Request) {
	plays, err := app.history.UserPlays(r.Context(), r.PathValue("userid"))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, plays)
}

// GET /user_jam_history/{userid}
func (app *application) handleUserJamHistory(w http.ResponseWriter, r *http.Request) {
	plays, err := app.history.UserJams(r.Context(), r.PathValue("userid"))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, plays)
}

// POST /api/add_song
func (app *application) handleAddSong(w http.ResponseWriter, r *http.Request) {
	var body struct {
		TrackURI   string  `json:"track_uri"`
		NestID     string  `json:"nest_id"`
		Penalty    float64 `json:"penalty"`
		ForceFirst bool    `json:"force_first"`
	}
	if err := decodeBody(r, &body); err != nil || body.TrackURI == "" {
		jsonError(w, http.StatusBadRequest, "track_uri is required")
		return
	}
	nest, err := app.nestFrom(r, body.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	id, err := app.queue.AddCatalogTrack(r.Context(), nest.NestID, session.Identity(r.Context()), body.TrackURI,
		queue.AddOptions{Penalty: body.Penalty, ForceFirst: body.ForceFirst})
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]int64{"id": id})
}

// POST /api/queue/remove
func (app *application) handleQueueRemove(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     int64  `json:"id"`
		NestID string `json:"nest_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "bad body")
		return
	}
	nest, err := app.nestFrom(r, body.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	if err := app.queue.Kill(r.Context(), nest.NestID, body.ID); err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// POST /api/queue/vote
func (app *application) handleQueueVote(w http.ResponseWriter, r *http.Request) {
	var body struct {
		ID     int64  `json:"id"`
		Up     bool   `json:"up"`
		NestID string `json:"nest_id"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "bad body")
		return
	}
	nest, err := app.nestFrom(r, body.NestID)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	if err := app.queue.Vote(r.Context(), nest.NestID, session.Identity(r.Context()), body.ID, body.Up); err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// nestAction wraps the bodyless playhead controls.
func (app *application) nestAction(op func(r *http.Request, nest models.Nest) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			NestID string `json:"nest_id"`
		}
		decodeBody(r, &body) // body is optional here
		nest, err := app.nestFrom(r, body.NestID)
		if err != nil {
			app.writeOpError(w, err)
			return
		}
		if err := op(r, nest); err != nil {
			app.writeOpError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

// POST /api/benderqueue and /api/benderfilter
func (app *application) handleBender(consume func(r *http.Request, nest models.Nest, trackID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			TrackID string `json:"trackid"`
			NestID  string `json:"nest_id"`
		}
		if err := decodeBody(r, &body); err != nil || body.TrackID == "" {
			jsonError(w, http.StatusBadRequest, "trackid is required")
			return
		}
		nest, err := app.nestFrom(r, body.NestID)
		if err != nil {
			app.writeOpError(w, err)
			return
		}
		if err := consume(r, nest, body.TrackID); err != nil {
			app.writeOpError(w, err)
			return
		}
		jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
	}
}

func syncSecret() string {
	return viper.GetString("auth.sync_secret")
}

// POST /api/sync-token
func (app *application) handleSyncToken(w http.ResponseWriter, r *http.Request) {
	secret := syncSecret()
	if secret == "" {
		jsonError(w, http.StatusServiceUnavailable, "sync tokens are not configured")
		return
	}
	token, err := session.MintSyncToken(secret, session.Identity(r.Context()))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{"token": token})
}

// Nest CRUD

// POST /api/nests
func (app *application) handleNestCreate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name       string `json:"name"`
		SeedTrack  string `json:"seed_track"`
		Vanity     string `json:"vanity"`
		TTLMinutes *int   `json:"ttl_minutes"`
	}
	if err := decodeBody(r, &body); err != nil {
		jsonError(w, http.StatusBadRequest, "bad body")
		return
	}
	nest, err := app.nests.Create(r.Context(), session.Identity(r.Context()), nests.CreateOptions{
		Name:       body.Name,
		SeedTrack:  body.SeedTrack,
		Vanity:     body.Vanity,
		TTLMinutes: body.TTLMinutes,
	})
	if err != nil {
		if errors.Is(err, nests.ErrInvalidVanity) {
			jsonError(w, http.StatusBadRequest, err.Error())
			return
		}
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusCreated, nest)
}

type nestSummary struct {
	models.Nest
	MemberCount int    `json:"member_count"`
	NowTitle    string `json:"now_title,omitempty"`
	NowArtist   string `json:"now_artist,omitempty"`
}

func (app *application) summarize(r *http.Request, nest models.Nest) nestSummary {
	summary := nestSummary{Nest: nest}
	if n, err := app.nests.CountActiveMembers(r.Context(), nest.NestID); err == nil {
		summary.MemberCount = n
	}
	if np, ok, err := app.queue.NowPlaying(r.Context(), nest.NestID); err == nil && ok {
		summary.NowTitle = np.Title
		summary.NowArtist = np.Artist
	}
	return summary
}

// GET /api/nests
func (app *application) handleNestList(w http.ResponseWriter, r *http.Request) {
	registered, err := app.nests.List(r.Context())
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	summaries := make([]nestSummary, 0, len(registered))
	for _, nest := range registered {
		summaries = append(summaries, app.summarize(r, nest))
	}
	jsonResponse(w, http.StatusOK, summaries)
}

// GET /api/nests/{code}
func (app *application) handleNestGet(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nests.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, app.summarize(r, nest))
}

// PATCH /api/nests/{code}
func (app *application) handleNestRename(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name string `json:"name"`
	}
	if err := decodeBody(r, &body); err != nil || body.Name == "" {
		jsonError(w, http.StatusBadRequest, "name is required")
		return
	}
	nest, err := app.nests.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	if nest.Creator != session.Identity(r.Context()) {
		jsonError(w, http.StatusForbidden, "only the creator can rename a nest")
		return
	}
	renamed, err := app.nests.Rename(r.Context(), nest.NestID, body.Name)
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, renamed)
}

// DELETE /api/nests/{code}
func (app *application) handleNestDelete(w http.ResponseWriter, r *http.Request) {
	nest, err := app.nests.Get(r.Context(), r.PathValue("code"))
	if err != nil {
		app.writeOpError(w, err)
		return
	}
	if err := app.nests.Delete(r.Context(), nest.NestID); err != nil {
		if errors.Is(err, nests.ErrMainNest) {
			jsonError(w, http.StatusForbidden, "the main nest cannot be deleted")
			return
		}
		app.writeOpError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]bool{"ok": true})
}

// WebSocket entry points

func (app *application) handleSocket(volumeOnly bool, prefix string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		nest, err := app.nests.Get(r.Context(), session.NestIDFromPath(r.URL.Path, prefix))
		if err != nil {
			app.writeOpError(w, err)
			return
		}
		identity := session.Identity(r.Context())

		conn, err := app.upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deps := session.Deps{Store: app.store, Nests: app.nests, Queue: app.queue, Bender: app.bender}
		session.New(conn, deps, nest, identity, volumeOnly, app.logger).Run(r.Context())
	}
}

func (app *application) handleBenderQueue(r *http.Request, nest models.Nest, trackID string) error {
	return app.bender.BenderQueue(r.Context(), nest, session.Identity(r.Context()), trackID)
}

func (app *application) handleBenderFilter(r *http.Request, nest models.Nest, trackID string) error {
	return app.bender.BenderFilter(r.Context(), nest, session.Identity(r.Context()), trackID)
}
