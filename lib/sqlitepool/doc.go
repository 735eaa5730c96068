// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool wraps zombiezen.com/go/sqlite's sqlitex.Pool with
// the pragmas widgetd's local state expects.
//
// Every connection runs in WAL mode with synchronous=NORMAL and a five
// second busy timeout. The token store is a cache of values the
// integration manager can always reissue, so durability across power
// loss is not required. Schema setup belongs in [Config.Schema], which
// runs once per connection inside IF NOT EXISTS statements.
//
//	pool, err := sqlitepool.Open(sqlitepool.Config{Path: path, Schema: schema})
//	err = pool.With(ctx, func(conn *sqlite.Conn) error { ... })
//
// Connections are not safe for concurrent use; [Pool.With] scopes one
// to a callback and returns it afterwards.
package sqlitepool
