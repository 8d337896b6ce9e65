package runtimeinit

import (
	"fmt"
	"log"

	"tcp-clicker/src/config"
	"tcp-clicker/src/logutil"
)

type Options struct {
	LoadOptions  config.LoadOptions
	SetupLogging func(logutil.Options) error
}

// Bootstrap loads configuration, points logging at the run log and
// validates what was loaded.
func Bootstrap(opts Options) (*config.Config, error) {
	cfg, err := config.LoadWithOptions(opts.LoadOptions)
	if err != nil {
		return nil, fmt.Errorf("failed to load configuration: %w", err)
	}

	if opts.SetupLogging != nil {
		if err := opts.SetupLogging(logutil.Options{Path: cfg.LogFile, EnableFile: cfg.EnableFileLogging}); err != nil {
			log.Printf("File logging unavailable, failure snapshots will be empty: %v", err)
		}
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	if cfg.EnvPath != "" {
		log.Printf("Loaded configuration from %s", cfg.EnvPath)
	}
	log.Printf("Control endpoint %s, device port %d, poll %v, click interval %v, threshold %.2f",
		cfg.Addr(), cfg.DevicePort, cfg.ReadPoll, cfg.ClickInterval, cfg.MatchThreshold)
	return cfg, nil
}
