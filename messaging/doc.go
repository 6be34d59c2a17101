// Copyright 2026 The Crowdplay Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the Matrix client-server surface of the bot.
//
// Client is the unauthenticated base: homeserver URL, HTTP transport,
// and the request plumbing shared by everything else. BotSession adds
// an access token and the operations the bot performs: joining the
// play room, sending messages and frame images, attaching reactions,
// redacting retired frames, and syncing.
//
// RoomStream wraps /sync long-polling into a batch iterator for a
// single room. The bot's intake loop calls Next repeatedly; each call
// blocks until the room has new timeline events.
//
// Errors from the homeserver arrive as *MatrixError carrying the
// Matrix error code and HTTP status. IsTransient classifies failures
// for retry decisions: rate limiting and server-side errors are worth
// retrying, other client errors are not.
package messaging
