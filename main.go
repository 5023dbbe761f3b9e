package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"

	"github.com/warble-fm/warble/bender"
	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/config"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/session"
	"github.com/warble-fm/warble/store"
)

type application struct {
	store   *store.Store
	nests   *nests.Manager
	queue   *queue.Engine
	bender  *bender.Engine
	history *history.Log
	auth    *session.Authenticator
	logger  zerolog.Logger

	upgrader websocket.Upgrader
}

func newLogger() zerolog.Logger {
	level, err := zerolog.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stderr).Level(level).With().Timestamp().Logger()
	if viper.GetBool("log.pretty") {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	return logger
}

func buildServices(logger zerolog.Logger) (*application, error) {
	redisAddr := fmt.Sprintf("%s:%d", viper.GetString("redis.host"), viper.GetInt("redis.port"))
	st, err := store.New(redisAddr, viper.GetString("redis.password"), logger)
	if err != nil {
		return nil, err
	}

	cat := catalog.New(
		viper.GetString("spotify.client_id"),
		viper.GetString("spotify.client_secret"),
		viper.GetString("spotify.market"),
		st,
		logger,
	)

	nestManager := nests.NewManager(st, cat, viper.GetInt("nests.default_ttl_minutes"), logger)

	queueEngine := queue.NewEngine(st, nestManager, cat, queue.Config{
		MaxDepth:           viper.GetInt("queue.max_depth"),
		FreeAirhornJams:    viper.GetInt("queue.free_airhorn_jams"),
		AirhornMax:         viper.GetInt("airhorn.max"),
		AirhornExpire:      time.Duration(viper.GetInt("airhorn.expire_sec")) * time.Second,
		AirhornMinLen:      viper.GetInt("airhorn.min_len"),
		AirhornExpireCount: viper.GetInt("airhorn.expire_count"),
		Privileged:         viper.GetStringSlice("queue.privileged"),
	}, logger)

	hist, err := history.New(viper.GetString("history.log_dir"), st, logger)
	if err != nil {
		return nil, err
	}

	benderEngine := bender.NewEngine(st, cat, queueEngine, hist, bender.Config{
		Enabled:    viper.GetBool("bender.enabled"),
		MaxMinutes: viper.GetInt("bender.max_minutes"),
		FilterTTL:  time.Duration(viper.GetInt("bender.filter_seconds")) * time.Second,
		Weights:    weightsFromConfig(),
	}, logger)

	return &application{
		store:   st,
		nests:   nestManager,
		queue:   queueEngine,
		bender:  benderEngine,
		history: hist,
		auth: session.NewAuthenticator(
			viper.GetString("auth.api_token"),
			viper.GetString("auth.sync_secret"),
			logger,
		),
		logger: logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}, nil
}

func weightsFromConfig() map[string]int {
	return map[string]int{
		bender.StrategyGenre:        viper.GetInt("bender.weights.genre"),
		bender.StrategyThrowback:    viper.GetInt("bender.weights.throwback"),
		bender.StrategyArtistSearch: viper.GetInt("bender.weights.artist_search"),
		bender.StrategyTopTracks:    viper.GetInt("bender.weights.top_tracks"),
		bender.StrategyAlbum:        viper.GetInt("bender.weights.album"),
	}
}

func main() {
	config.Load()
	logger := newLogger()

	app, err := buildServices(logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("startup failed")
	}
	defer app.store.Close()

	ctx := context.Background()
	if err := app.nests.EnsureMain(ctx); err != nil {
		logger.Fatal().Err(err).Msg("could not ensure main nest")
	}
	if err := app.history.InitFromFiles(ctx); err != nil {
		logger.Warn().Err(err).Msg("history reload failed")
	}

	serverAddr := fmt.Sprintf("%s:%s", viper.GetString("server.host"), viper.GetString("server.port"))
	server := &http.Server{
		Addr:         serverAddr,
		Handler:      app.routes(),
		IdleTimeout:  time.Minute,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 0, // SSE and WebSocket hold their connections open
	}
	logger.Info().Str("addr", serverAddr).Msg("warble listening")
	logger.Fatal().Err(server.ListenAndServe()).Msg("server stopped")
}
