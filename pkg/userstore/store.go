// Copyright 2025-2026 Aiku AI

// Package userstore persists third-party user metadata in SQLite. The
// engine reads records back after writing them, so the store is the
// authority on the persisted representation.
package userstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "github.com/mattn/go-sqlite3"
	"github.com/rs/zerolog"
	"go.mau.fi/util/dbutil"

	"github.com/aiku/matrix-puppet-bridge/pkg/puppet"
)

var upgradeTable dbutil.UpgradeTable

func init() {
	upgradeTable.Register(-1, 1, 0, "Latest revision", false, func(ctx context.Context, db *dbutil.Database) error {
		_, err := db.Exec(ctx, `CREATE TABLE remote_user (
			user_id     TEXT PRIMARY KEY,
			sender_name TEXT NOT NULL
		)`)
		return err
	})
}

// Store implements puppet.UserStore on a SQLite database.
type Store struct {
	db *dbutil.Database
}

var _ puppet.UserStore = (*Store)(nil)

// New opens the database at path, creating and migrating it as needed.
func New(ctx context.Context, path string, log zerolog.Logger) (*Store, error) {
	db, err := dbutil.NewWithDialect(path, "sqlite3")
	if err != nil {
		return nil, fmt.Errorf("failed to open user store: %w", err)
	}
	db.Log = dbutil.ZeroLogger(log.With().Str("component", "userstore").Logger())
	db.UpgradeTable = upgradeTable
	if err = db.Upgrade(ctx); err != nil {
		return nil, fmt.Errorf("failed to upgrade user store: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) GetRemoteUser(ctx context.Context, thirdPartyUserID string) (*puppet.RemoteUserRecord, error) {
	record := &puppet.RemoteUserRecord{}
	err := s.db.QueryRow(ctx,
		"SELECT user_id, sender_name FROM remote_user WHERE user_id=$1",
		thirdPartyUserID,
	).Scan(&record.UserID, &record.SenderName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	return record, nil
}

// SetRemoteUser upserts a record. Sender names are stored trimmed; the
// engine re-reads after writing, so trimming here is visible to callers.
func (s *Store) SetRemoteUser(ctx context.Context, record *puppet.RemoteUserRecord) error {
	_, err := s.db.Exec(ctx, `
		INSERT INTO remote_user (user_id, sender_name) VALUES ($1, $2)
		ON CONFLICT (user_id) DO UPDATE SET sender_name=excluded.sender_name
	`, record.UserID, strings.TrimSpace(record.SenderName))
	return err
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}
