// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package tokenstore persists integration-manager tokens in SQLite,
// one row per Matrix user. Each row holds a CBOR record sealed with
// age, so the database file alone does not reveal tokens: opening a
// record needs the age identity.
//
// A Store satisfies tokencache.Store.
package tokenstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"

	"github.com/bureau-foundation/widgets/lib/clock"
	"github.com/bureau-foundation/widgets/lib/codec"
	"github.com/bureau-foundation/widgets/lib/ref"
	"github.com/bureau-foundation/widgets/lib/sealed"
	"github.com/bureau-foundation/widgets/lib/sqlitepool"
)

const schema = `
CREATE TABLE IF NOT EXISTS integration_tokens (
	user_id  TEXT PRIMARY KEY,
	sealed   BLOB NOT NULL,
	saved_at INTEGER NOT NULL
) WITHOUT ROWID;
`

// record is the sealed plaintext of one row. UserID is repeated inside
// the seal so a row copied under another user's key does not open.
type record struct {
	UserID  ref.UserID `cbor:"user_id"`
	Token   string     `cbor:"token"`
	SavedAt time.Time  `cbor:"saved_at"`
}

// Config configures a Store.
type Config struct {
	// Path is the SQLite database file.
	Path string

	// Sealer encrypts records. Without an identity the store is
	// write-only: Load reports nothing found.
	Sealer *sealed.Sealer

	Clock  clock.Clock
	Logger *slog.Logger
}

// Store is a sealed token table.
type Store struct {
	pool   *sqlitepool.Pool
	sealer *sealed.Sealer
	clock  clock.Clock
	logger *slog.Logger
}

// Open opens (creating if needed) the token database.
func Open(config Config) (*Store, error) {
	if config.Sealer == nil {
		return nil, fmt.Errorf("tokenstore: Sealer is required")
	}
	if config.Clock == nil {
		config.Clock = clock.Real()
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	pool, err := sqlitepool.Open(sqlitepool.Config{
		Path:   config.Path,
		Schema: schema,
		Logger: config.Logger,
	})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: %w", err)
	}
	return &Store{
		pool:   pool,
		sealer: config.Sealer,
		clock:  config.Clock,
		logger: config.Logger,
	}, nil
}

// Load returns userID's persisted token.
func (s *Store) Load(ctx context.Context, userID ref.UserID) (string, bool, error) {
	if !s.sealer.CanOpen() {
		return "", false, nil
	}

	var ciphertext []byte
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT sealed FROM integration_tokens WHERE user_id = ?`,
			&sqlitex.ExecOptions{
				Args: []any{userID.String()},
				ResultFunc: func(stmt *sqlite.Stmt) error {
					ciphertext = make([]byte, stmt.ColumnLen(0))
					stmt.ColumnBytes(0, ciphertext)
					return nil
				},
			})
	})
	if err != nil {
		return "", false, fmt.Errorf("tokenstore: loading token of %s: %w", userID, err)
	}
	if ciphertext == nil {
		return "", false, nil
	}

	plaintext, err := s.sealer.Open(ciphertext)
	if err != nil {
		if errors.Is(err, sealed.ErrNoIdentity) {
			return "", false, nil
		}
		return "", false, fmt.Errorf("tokenstore: opening token of %s: %w", userID, err)
	}
	defer plaintext.Close()

	var stored record
	if err := codec.Unmarshal(plaintext.Bytes(), &stored); err != nil {
		return "", false, fmt.Errorf("tokenstore: decoding token of %s: %w", userID, err)
	}
	if stored.UserID != userID {
		s.logger.Warn("ignoring token record sealed for another user",
			"user_id", userID, "record_user_id", stored.UserID)
		return "", false, nil
	}
	return stored.Token, true, nil
}

// Save replaces userID's persisted token.
func (s *Store) Save(ctx context.Context, userID ref.UserID, token string) error {
	if token == "" {
		return fmt.Errorf("tokenstore: refusing to save an empty token for %s", userID)
	}
	now := s.clock.Now()
	plaintext, err := codec.Marshal(record{UserID: userID, Token: token, SavedAt: now})
	if err != nil {
		return fmt.Errorf("tokenstore: encoding token of %s: %w", userID, err)
	}
	ciphertext, err := s.sealer.Seal(plaintext)
	clear(plaintext)
	if err != nil {
		return fmt.Errorf("tokenstore: sealing token of %s: %w", userID, err)
	}

	err = s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`INSERT INTO integration_tokens (user_id, sealed, saved_at) VALUES (?, ?, ?)
			 ON CONFLICT(user_id) DO UPDATE SET sealed = excluded.sealed, saved_at = excluded.saved_at`,
			&sqlitex.ExecOptions{Args: []any{userID.String(), ciphertext, now.UnixMilli()}})
	})
	if err != nil {
		return fmt.Errorf("tokenstore: saving token of %s: %w", userID, err)
	}
	s.logger.Debug("persisted integration token", "user_id", userID)
	return nil
}

// DeleteUser removes userID's persisted token. Deleting a user with no
// row succeeds.
func (s *Store) DeleteUser(ctx context.Context, userID ref.UserID) error {
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`DELETE FROM integration_tokens WHERE user_id = ?`,
			&sqlitex.ExecOptions{Args: []any{userID.String()}})
	})
	if err != nil {
		return fmt.Errorf("tokenstore: deleting token of %s: %w", userID, err)
	}
	return nil
}

// Users lists every user with a persisted token, sorted.
func (s *Store) Users(ctx context.Context) ([]ref.UserID, error) {
	var users []ref.UserID
	err := s.pool.With(ctx, func(conn *sqlite.Conn) error {
		return sqlitex.Execute(conn,
			`SELECT user_id FROM integration_tokens ORDER BY user_id`,
			&sqlitex.ExecOptions{
				ResultFunc: func(stmt *sqlite.Stmt) error {
					userID, err := ref.ParseUserID(stmt.ColumnText(0))
					if err != nil {
						return err
					}
					users = append(users, userID)
					return nil
				},
			})
	})
	if err != nil {
		return nil, fmt.Errorf("tokenstore: listing users: %w", err)
	}
	return users, nil
}

// Close closes the database.
func (s *Store) Close() error {
	return s.pool.Close()
}
