package main

import (
	"net/http"

	"github.com/justinas/alice"

	"github.com/warble-fm/warble/models"
	"github.com/warble-fm/warble/session"
)

func (app *application) routes() http.Handler {
	mux := http.NewServeMux()

	// public reads
	mux.HandleFunc("GET /playing/", app.handlePlaying)
	mux.HandleFunc("GET /queue/", app.handleQueue)
	mux.HandleFunc("GET /get_volume/", app.handleGetVolume)
	mux.HandleFunc("GET /last/", app.handleLast)
	mux.HandleFunc("GET /history/{n}", app.handleHistory)
	mux.HandleFunc("GET /user_history/{userid}", app.handleUserHistory)
	mux.HandleFunc("GET /user_jam_history/{userid}", app.handleUserJamHistory)

	// authenticated mutations
	mux.HandleFunc("POST /api/add_song", session.WithAuth(app.handleAddSong, app.auth))
	mux.HandleFunc("POST /api/queue/remove", session.WithAuth(app.handleQueueRemove, app.auth))
	mux.HandleFunc("POST /api/queue/vote", session.WithAuth(app.handleQueueVote, app.auth))
	mux.HandleFunc("POST /api/queue/skip", session.WithAuth(app.nestAction(func(r *http.Request, nest models.Nest) error {
		return app.queue.Skip(r.Context(), nest.NestID)
	}), app.auth))
	mux.HandleFunc("POST /api/queue/pause", session.WithAuth(app.nestAction(func(r *http.Request, nest models.Nest) error {
		return app.queue.Pause(r.Context(), nest.NestID)
	}), app.auth))
	mux.HandleFunc("POST /api/queue/resume", session.WithAuth(app.nestAction(func(r *http.Request, nest models.Nest) error {
		return app.queue.Unpause(r.Context(), nest.NestID)
	}), app.auth))
	mux.HandleFunc("POST /api/queue/clear", session.WithAuth(app.nestAction(func(r *http.Request, nest models.Nest) error {
		return app.queue.Nuke(r.Context(), nest.NestID)
	}), app.auth))
	mux.HandleFunc("POST /api/benderqueue", session.WithAuth(app.handleBender(app.handleBenderQueue), app.auth))
	mux.HandleFunc("POST /api/benderfilter", session.WithAuth(app.handleBender(app.handleBenderFilter), app.auth))
	mux.HandleFunc("POST /api/sync-token", session.WithAuth(app.handleSyncToken, app.auth))

	// nest CRUD; creation and reads work for guests
	mux.HandleFunc("GET /api/nests", session.WithPossibleAuth(app.handleNestList, app.auth))
	mux.HandleFunc("POST /api/nests", session.WithPossibleAuth(app.handleNestCreate, app.auth))
	mux.HandleFunc("GET /api/nests/{code}", session.WithPossibleAuth(app.handleNestGet, app.auth))
	mux.HandleFunc("PATCH /api/nests/{code}", session.WithAuth(app.handleNestRename, app.auth))
	mux.HandleFunc("DELETE /api/nests/{code}", session.WithAuth(app.handleNestDelete, app.auth))

	// streams
	mux.HandleFunc("GET /api/events", session.WithAuth(app.handleEvents, app.auth))
	mux.HandleFunc("/socket", session.WithPossibleAuth(app.handleSocket(false, "/socket"), app.auth))
	mux.HandleFunc("/socket/", session.WithPossibleAuth(app.handleSocket(false, "/socket"), app.auth))
	mux.HandleFunc("/volume", session.WithPossibleAuth(app.handleSocket(true, "/volume"), app.auth))
	mux.HandleFunc("/volume/", session.WithPossibleAuth(app.handleSocket(true, "/volume"), app.auth))

	standard := alice.New()
	return standard.Then(mux)
}
