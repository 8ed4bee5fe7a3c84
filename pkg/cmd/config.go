package cmd

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/spf13/viper"
)

// appConfig is the process-wide configuration recognized per spec §6,
// bound from runtime/config.yml and overridden by MONGO_*, ELASTICSEARCH_*,
// BATCH_SIZE, NB_INDEXATION_WORKERS, UPDATE_WE_FREQ, EXTRACTION_METHODS,
// DEFAULT_EXTRACTION_METHOD environment variables.
type appConfig struct {
	Mongo         MongoConfig         `mapstructure:"mongo"`
	Elasticsearch ElasticsearchConfig `mapstructure:"elasticsearch"`

	BatchSize               int64    `mapstructure:"batch_size"`
	NBIndexationWorkers     int      `mapstructure:"nb_indexation_workers"`
	UpdateWEFreq            int      `mapstructure:"update_we_freq"`
	ExtractionMethods       []string `mapstructure:"extraction_methods"`
	DefaultExtractionMethod string   `mapstructure:"default_extraction_method"`

	LogFilePath  string `mapstructure:"log_file_path"`
	ReadyFile    string `mapstructure:"ready_file"`
}

// MongoConfig holds the document-store connection settings.
type MongoConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// ElasticsearchConfig holds the search-cluster connection settings.
type ElasticsearchConfig struct {
	Host       string `mapstructure:"host"`
	Port       int    `mapstructure:"port"`
	TimeoutSec int    `mapstructure:"timeout_sec"`
}

func defaultConfig() appConfig {
	return appConfig{
		Mongo:         MongoConfig{Host: "localhost", Port: 27017},
		Elasticsearch: ElasticsearchConfig{Host: "localhost", Port: 9200, TimeoutSec: 120},

		BatchSize:               100,
		NBIndexationWorkers:      4,
		UpdateWEFreq:             10,
		ExtractionMethods:       []string{"textify", "dragnet", "trafilatura"},
		DefaultExtractionMethod: "textify",

		LogFilePath: "./log/hyphe_text_indexation.log",
		ReadyFile:   "./run/ready",
	}
}

// loadConfig loads the application configuration from the specified file
// path and environment variables, then applies the --batch-size /
// --nb-indexation-workers flag overrides spec §6 requires.
func loadConfig(flags *cmdFlags) (*appConfig, error) {
	v := viper.NewWithOptions(viper.ExperimentalBindStruct())

	cfg := defaultConfig()
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to seed defaults: %w", err)
	}

	if flags.ConfigPath != "" {
		v.SetConfigFile(flags.ConfigPath)

		if err := v.ReadInConfig(); err != nil {
			slog.Debug("no config file loaded, relying on defaults and environment", "path", flags.ConfigPath, "error", err)
		}
	}

	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if flags.BatchSize > 0 {
		cfg.BatchSize = int64(flags.BatchSize)
	}

	if flags.NBIndexationWorkers > 0 {
		cfg.NBIndexationWorkers = flags.NBIndexationWorkers
	}

	slog.Debug("config loaded", slog.Any("config", cfg))

	return &cfg, nil
}
