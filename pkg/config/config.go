package config

// Package config provides a reusable loader for the wallet daemon's YAML
// configuration plus environment overrides. It is versioned so that
// applications can depend on a stable API contract, matching the
// teacher's pkg/config package.
//
// Version: v0.1.0

import (
	"fmt"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	"lightwallet/pkg/utils"
)

// Version is the semantic version of this configuration package.
const Version = "v0.1.0"

// Config is the unified configuration for walletd. It mirrors the
// structure of the YAML files under cmd/walletd/config.
type Config struct {
	Peer struct {
		Addresses  []string `mapstructure:"addresses" json:"addresses"`
		CertPath   string   `mapstructure:"cert_path" json:"cert_path"`
		KeyPath    string   `mapstructure:"key_path" json:"key_path"`
		CACertPath string   `mapstructure:"ca_cert_path" json:"ca_cert_path"`
	} `mapstructure:"peer" json:"peer"`

	Wallet struct {
		DBPath            string `mapstructure:"db_path" json:"db_path"`
		FrontierBatchSize uint32 `mapstructure:"frontier_batch_size" json:"frontier_batch_size"`
	} `mapstructure:"wallet" json:"wallet"`

	Sync struct {
		CoinIDChunkSize     int `mapstructure:"coin_id_chunk_size" json:"coin_id_chunk_size"`
		CoinIDTimeoutMS     int `mapstructure:"coin_id_timeout_ms" json:"coin_id_timeout_ms"`
		PuzzleHashChunkSize int `mapstructure:"puzzle_hash_chunk_size" json:"puzzle_hash_chunk_size"`
		PuzzleHashTimeoutMS int `mapstructure:"puzzle_hash_timeout_ms" json:"puzzle_hash_timeout_ms"`
	} `mapstructure:"sync" json:"sync"`

	Logging struct {
		Level string `mapstructure:"level" json:"level"`
		JSON  bool   `mapstructure:"json" json:"json"`
	} `mapstructure:"logging" json:"logging"`
}

// AppConfig holds the configuration loaded via Load or LoadFromEnv.
var AppConfig Config

// Load reads configuration files and merges any environment specific
// overrides. The resulting configuration is stored in AppConfig and
// returned.
//
// The function uses the provided environment name to merge additional
// config files. If env is empty, only the default configuration is
// loaded. A .env file in the working directory, if present, is loaded
// before viper's AutomaticEnv binding so its values are visible the
// same way an exported shell variable would be.
func Load(env string) (*Config, error) {
	_ = godotenv.Load() // optional; absence of a .env file is not an error

	viper.SetConfigName("default")
	viper.AddConfigPath("cmd/walletd/config")
	viper.AddConfigPath("config")
	viper.SetConfigType("yaml")
	if err := viper.ReadInConfig(); err != nil {
		return nil, utils.Wrap(err, "load config")
	}

	if env != "" {
		viper.SetConfigName(env)
		if err := viper.MergeInConfig(); err != nil {
			return nil, utils.Wrap(err, fmt.Sprintf("merge %s config", env))
		}
	}

	viper.AutomaticEnv()

	if err := viper.Unmarshal(&AppConfig); err != nil {
		return nil, utils.Wrap(err, "unmarshal config")
	}
	return &AppConfig, nil
}

// LoadFromEnv loads configuration using the WALLETD_ENV environment
// variable.
func LoadFromEnv() (*Config, error) {
	return Load(utils.EnvOrDefault("WALLETD_ENV", ""))
}
