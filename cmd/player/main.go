package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"golang.org/x/sync/errgroup"

	"github.com/warble-fm/warble/bender"
	"github.com/warble-fm/warble/catalog"
	"github.com/warble-fm/warble/config"
	"github.com/warble-fm/warble/history"
	"github.com/warble-fm/warble/nests"
	"github.com/warble-fm/warble/player"
	"github.com/warble-fm/warble/queue"
	"github.com/warble-fm/warble/store"
)

// The playhead worker process. Runs the per-nest playhead supervisor
// and the idle-nest reaper; any number of these can run side by side
// since the per-nest lease picks the single active playhead.
func main() {
	config.Load()
	logger := newLogger()

	redisAddr := fmt.Sprintf("%s:%d", viper.GetString("redis.host"), viper.GetInt("redis.port"))
	st, err := store.New(redisAddr, viper.GetString("redis.password"), logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("store connect failed")
	}
	defer st.Close()

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
		logger.Fatal().Err(err).Msg("history init failed")
	}

	benderEngine := bender.NewEngine(st, cat, queueEngine, hist, bender.Config{
		Enabled:    viper.GetBool("bender.enabled"),
		MaxMinutes: viper.GetInt("bender.max_minutes"),
		FilterTTL:  time.Duration(viper.GetInt("bender.filter_seconds")) * time.Second,
		Weights: map[string]int{
			bender.StrategyGenre:        viper.GetInt("bender.weights.genre"),
			bender.StrategyThrowback:    viper.GetInt("bender.weights.throwback"),
			bender.StrategyArtistSearch: viper.GetInt("bender.weights.artist_search"),
			bender.StrategyTopTracks:    viper.GetInt("bender.weights.top_tracks"),
			bender.StrategyAlbum:        viper.GetInt("bender.weights.album"),
		},
	}, logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := hist.InitFromFiles(ctx); err != nil {
		logger.Warn().Err(err).Msg("history reload failed")
	}

	playhead := player.New(st, nestManager, queueEngine, benderEngine, hist, logger)
	supervisor := player.NewSupervisor(playhead, nestManager, queueEngine, logger)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error { return supervisor.Run(groupCtx) })
	group.Go(func() error { return supervisor.RunReaper(groupCtx) })

	logger.Info().Msg("playhead worker running")
	if err := group.Wait(); err != nil && ctx.Err() == nil {
		logger.Fatal().Err(err).Msg("worker stopped")
	}
	logger.Info().Msg("shut down cleanly")
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
