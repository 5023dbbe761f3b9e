package config

import (
	"log"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Load initializes the configuration with viper
func Load() {
	if err := godotenv.Load(); err != nil {
		log.Println("No .env file found or error loading it. Using default values and environment variables.")
	}

	viper.SetDefault("server.port", "8080")
	viper.SetDefault("server.host", "localhost")

	viper.SetDefault("redis.host", "localhost")
	viper.SetDefault("redis.port", 6379)
	viper.SetDefault("redis.password", "")

	viper.SetDefault("spotify.market", "US")

	// queue behavior
	viper.SetDefault("queue.max_depth", 25)
	viper.SetDefault("queue.free_airhorn_jams", 4)
	viper.SetDefault("queue.privileged", []string{})

	// airhorn throttling
	viper.SetDefault("airhorn.max", 3)
	viper.SetDefault("airhorn.expire_sec", 300)
	viper.SetDefault("airhorn.min_len", 5)
	viper.SetDefault("airhorn.expire_count", 5)

	// auto-fill (bender)
	viper.SetDefault("bender.enabled", true)
	viper.SetDefault("bender.max_minutes", 90)
	viper.SetDefault("bender.filter_seconds", 14*24*3600)
	viper.SetDefault("bender.weights.genre", 35)
	viper.SetDefault("bender.weights.throwback", 30)
	viper.SetDefault("bender.weights.artist_search", 25)
	viper.SetDefault("bender.weights.top_tracks", 5)
	viper.SetDefault("bender.weights.album", 5)

	viper.SetDefault("history.log_dir", "./logs")

	viper.SetDefault("nests.default_ttl_minutes", 120)

	viper.SetDefault("auth.api_token", "")
	viper.SetDefault("auth.sync_secret", "")

	viper.SetDefault("log.level", "info")
	viper.SetDefault("log.pretty", false)

	viper.AutomaticEnv()

	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath("./config")
	viper.AddConfigPath(".")

	if err := viper.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			log.Fatalf("Error reading config file: %v", err)
		}
		log.Println("Config file not found, using default values and environment variables")
	} else {
		log.Println("Using config file:", viper.ConfigFileUsed())
	}

	// check for required settings
	requiredVars := []string{"spotify.client_id", "spotify.client_secret"}
	missingVars := []string{}

	for _, v := range requiredVars {
		if !viper.IsSet(v) {
			missingVars = append(missingVars, v)
		}
	}

	if len(missingVars) > 0 {
		log.Fatalf("Required configuration variables not set: %s", strings.Join(missingVars, ", "))
	}
}
