// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool opens the SQLite database behind the durable
// record store and lends out its connections.
//
// Every connection runs in WAL mode with NORMAL synchronous writes, a
// busy timeout and a small page cache. Records survive a host process
// crash but not a power failure.
//
// Connections never escape a callback:
//
//	err := pool.Write(ctx, func(conn *sqlite.Conn) error {
//	    return sqlitex.Execute(conn, "DELETE FROM records WHERE id = ?",
//	        &sqlitex.ExecOptions{Args: []any{id}})
//	})
//
// Write wraps its callback in an IMMEDIATE transaction; Read does not.
package sqlitepool
