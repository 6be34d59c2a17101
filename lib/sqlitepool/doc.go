// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package sqlitepool provides the SQLite connection pool used for
// local structured storage, wrapping zombiezen.com/go/sqlite with
// production defaults: WAL journal mode, NORMAL synchronous, busy
// timeout for write contention, and an in-memory page cache.
//
// The package is intentionally thin. It applies pragmas and exposes
// the underlying zombiezen types directly; consumers write SQL, use
// sqlitex.Execute for cached statements, and manage transactions with
// sqlitex.ImmediateTransaction. Callers [Pool.Take] a connection,
// perform work, and [Pool.Put] it back; connections are not safe for
// concurrent use.
package sqlitepool
