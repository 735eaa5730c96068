// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package manager owns the widget side of a running client: the set of
// logged-in Matrix sessions, the widget lifecycle operations performed
// through them, and the bus that tells subscribers about widget
// changes.
//
// A [Manager] is constructed once by the process and passed to whatever
// needs it. Registering a session with [Manager.AddSession] starts a
// /sync observation loop for widget state in every room the session
// has joined; changes seen there, and changes made through
// [Manager.CreateWidget] and [Manager.CloseWidget], are published as
// typed [Event] values to every [Subscription].
//
// Delivery is at least once per distinct change. Each subscriber has
// its own unbounded mailbox, so a slow subscriber never blocks
// publishers or other subscribers. A change whose content fingerprint
// matches the last one recorded for the same session, room, and widget
// ID is not published again by the observation loop.
package manager
