// Copyright 2025-2026 Aiku AI
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Command matrix-puppet-slack is a Matrix-Slack puppeting bridge. It relays
// messages between a Slack workspace and Matrix, posting to Slack as the
// user's own account and representing Slack users as Matrix ghosts.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
	"gopkg.in/yaml.v3"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/aiku/matrix-puppet-bridge/pkg/fetch"
	"github.com/aiku/matrix-puppet-bridge/pkg/matrix"
	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
	"github.com/aiku/matrix-puppet-bridge/pkg/slacknet"
	"github.com/aiku/matrix-puppet-bridge/pkg/userstore"
)

// These are filled at build time with -ldflags.
var (
	Tag       = "unknown"
	Commit    = "unknown"
	BuildTime = "unknown"
)

// fileConfig is the on-disk configuration, see example-config.yaml.
type fileConfig struct {
	Bridge   puppet.Config   `yaml:"bridge"`
	Matrix   matrix.Config   `yaml:"matrix"`
	Slack    slacknet.Config `yaml:"slack"`
	Database struct {
		Path string `yaml:"path"`
	} `yaml:"database"`
	Logging struct {
		Level string `yaml:"level"`
	} `yaml:"logging"`
}

func loadConfig(path string) (*fileConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}
	var cfg fileConfig
	if err = yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = "matrix-puppet-slack.db"
	}
	return &cfg, nil
}

func newLogger(level string) (zerolog.Logger, error) {
	lvl := zerolog.InfoLevel
	if level != "" {
		parsed, err := zerolog.ParseLevel(level)
		if err != nil {
			return zerolog.Logger{}, fmt.Errorf("invalid log level %q: %w", level, err)
		}
		lvl = parsed
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.StampMilli}
	return zerolog.New(writer).Level(lvl).With().Timestamp().Logger(), nil
}

func run(configPath string) error {
	cfg, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	log, err := newLogger(cfg.Logging.Level)
	if err != nil {
		return err
	}
	log.Info().
		Str("version", Tag).
		Str("commit", Commit).
		Str("built_at", BuildTime).
		Msg("Starting matrix-puppet-slack")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := userstore.New(ctx, cfg.Database.Path, log)
	if err != nil {
		return err
	}
	defer func() {
		_ = store.Close()
	}()

	transport, err := matrix.NewClient(cfg.Matrix, log)
	if err != nil {
		return err
	}

	network, err := slacknet.New(cfg.Slack, log)
	if err != nil {
		return err
	}
	if err = network.Login(ctx); err != nil {
		return err
	}

	fetcher := fetch.New()
	fetcher.AuthHeader = "Bearer " + cfg.Slack.Token

	bridge, err := puppet.New(&cfg.Bridge, network, transport, store, fetcher, log)
	if err != nil {
		return err
	}

	if err = bridge.SendStatusMessage(ctx, puppet.StatusOptions{}, "bridge starting,", "version", Tag); err != nil {
		log.Warn().Err(err).Msg("Failed to send startup status message")
	}

	group, ctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return network.Start(ctx, bridge)
	})
	isBridgeUser := func(userID id.UserID) bool {
		_, ok := bridge.ParseGhostUserID(userID)
		return ok
	}
	group.Go(func() error {
		return transport.Listen(ctx, isBridgeUser, func(ctx context.Context, evt *event.Event) {
			if err := bridge.HandleMatrixEvent(ctx, evt); err != nil {
				log.Error().Err(err).
					Str("room_id", string(evt.RoomID)).
					Msg("Failed to handle Matrix event")
			}
		})
	})

	err = group.Wait()
	if err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info().Msg("Shut down cleanly")
	return nil
}

func main() {
	var configPath string
	cmd := &cobra.Command{
		Use:     "matrix-puppet-slack",
		Short:   "A Matrix-Slack puppeting bridge",
		Version: fmt.Sprintf("%s (%s, built %s)", Tag, Commit, BuildTime),
		RunE: func(cmd *cobra.Command, _ []string) error {
			cmd.SilenceUsage = true
			return run(configPath)
		},
	}
	cmd.Flags().StringVarP(&configPath, "config", "c", "config.yaml", "path to the config file")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
