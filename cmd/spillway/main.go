package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/viper"

	"github.com/tinytelemetry/spillway/internal/tiering"
)

// Build variables - set by ldflags during build.
var (
	version   = "dev"
	commit    = "unknown"
	buildTime = "unknown"
	goVersion = "unknown"
)

func main() {
	var configPath string
	var showVersion bool

	flag.StringVar(&configPath, "config", "", "config file (default is $HOME/.config/spillway/config.yml)")
	flag.BoolVar(&showVersion, "version", false, "print version information")
	flag.Parse()

	if showVersion {
		fmt.Printf("Spillway - Buffered Event Ingestion\n")
		fmt.Printf("  Version:    %s\n", version)
		fmt.Printf("  Commit:     %s\n", commit)
		fmt.Printf("  Built:      %s\n", buildTime)
		fmt.Printf("  Go version: %s\n", goVersion)
		return
	}

	cfg, err := loadConfig(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	if err := runServer(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func loadConfig(configPath string) (appConfig, error) {
	var cfg appConfig

	home, err := os.UserHomeDir()
	if err != nil {
		return cfg, fmt.Errorf("finding home directory: %w", err)
	}
	dataDir := filepath.Join(home, ".local", "share", "spillway")

	v := viper.New()
	v.SetEnvPrefix("SPILLWAY")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	v.SetDefault("api-addr", defaultAPIAddr)
	v.SetDefault("ingest-path", defaultIngestPath)
	v.SetDefault("auth-header", defaultAuthHeader)
	v.SetDefault("request-timeout", defaultRequestTimeout)
	v.SetDefault("max-body-bytes", defaultMaxBodyBytes)
	v.SetDefault("secret-provider", defaultSecretProvider)
	v.SetDefault("secret-name", "")
	v.SetDefault("secret-json-key", "")
	v.SetDefault("secret-ttl", defaultSecretTTL)
	v.SetDefault("secret-fetch-timeout", defaultSecretFetchTimeout)
	v.SetDefault("aws-region", defaultAWSRegion)
	v.SetDefault("aws-endpoint", "")
	v.SetDefault("aws-use-ssl", true)
	v.SetDefault("aws-access-key", "")
	v.SetDefault("aws-secret-key", "")
	v.SetDefault("aws-session-token", "")
	v.SetDefault("s3-path-style", false)
	v.SetDefault("sink", defaultSink)
	v.SetDefault("bucket-url", "")
	v.SetDefault("db-path", filepath.Join(dataDir, "spillway.duckdb"))
	v.SetDefault("delivery-channel", defaultDeliveryChannel)
	v.SetDefault("delivery-compression", defaultCompression)
	v.SetDefault("delivery-queue-size", defaultQueueSize)
	v.SetDefault("delivery-workers", defaultWorkers)
	v.SetDefault("delivery-max-attempts", defaultMaxAttempts)
	v.SetDefault("delivery-initial-backoff", defaultInitialBackoff)
	v.SetDefault("delivery-max-backoff", defaultMaxBackoff)
	v.SetDefault("buffer-size-threshold", defaultSizeThreshold)
	v.SetDefault("buffer-time-threshold", defaultTimeThreshold)
	v.SetDefault("flush-check-interval", defaultFlushCheckInterval)
	v.SetDefault("tier-enabled", true)
	v.SetDefault("tier-ia-days", defaultTierIADays)
	v.SetDefault("tier-ia-class", tiering.ClassStandardIA)
	v.SetDefault("tier-archive-days", defaultTierArchiveDays)
	v.SetDefault("tier-archive-class", tiering.ClassGlacier)
	v.SetDefault("tier-sweep-interval", defaultTierSweepInterval)
	v.SetDefault("journal-enabled", false)
	v.SetDefault("journal-path", filepath.Join(dataDir, "ingest.journal"))
	v.SetDefault("metrics-enabled", true)
	v.SetDefault("shutdown-timeout", defaultShutdownTimeout)
	v.SetDefault("log-file", "")

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigFile(filepath.Join(home, ".config", "spillway", "config.yml"))
	}

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var configFileNotFound viper.ConfigFileNotFoundError
		if !errors.As(err, &configFileNotFound) && !os.IsNotExist(err) {
			return cfg, err
		}
		fileLoaded = false
	}

	if err := v.Unmarshal(&cfg); err != nil {
		return cfg, err
	}
	if fileLoaded {
		cfg.ConfigPath = v.ConfigFileUsed()
	}

	cfg.DBPath = expandHome(home, cfg.DBPath)
	cfg.JournalPath = expandHome(home, cfg.JournalPath)
	cfg.LogFile = expandHome(home, cfg.LogFile)

	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func expandHome(home, path string) string {
	if strings.HasPrefix(path, "~/") {
		return filepath.Join(home, path[2:])
	}
	return path
}
