// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package process holds the entrypoint helpers of the widgetd binary:
// reporting a fatal error before the structured logger exists, mapping
// errors to exit codes, and the signal-bound root context.
package process
