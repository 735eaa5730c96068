// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package messaging is the subset of the Matrix client-server API the
// widget manager needs.
//
// [Client] holds the homeserver URL and HTTP transport. [DirectSession]
// adds an access token (in a secret.Buffer) and implements [Session]:
// state reads and writes, /sync, joined rooms, and OpenID token
// requests for integration-manager registration.
//
// [StateStream] follows /sync for one session and reports state events
// of selected types, retrying transient failures with cenkalti/backoff
// and a lib/clock clock.
//
// Every non-2xx response is a [*MatrixError]; [IsMatrixError] and
// [IsPermanent] classify them through wrapping.
package messaging
