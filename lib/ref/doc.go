// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package ref provides strongly typed, immutable Matrix identifier
// values: user IDs, room IDs, room aliases, and event IDs.
//
// Crowdplay never constructs Matrix identifiers from raw string
// concatenation in business logic. Identifiers arrive from two places,
// the configuration file and homeserver API responses, and are parsed
// into these types at that boundary. Everything past the boundary works
// with validated values, so a function receiving a ref.UserID never has
// to re-check the sigil or worry about an empty string masquerading as
// an identity.
//
// All four types are immutable value types with the same surface:
// a Parse constructor returning an error, a MustParse variant for tests
// and static initialization, String, IsZero, and text marshalling in
// the canonical Matrix form.
package ref
