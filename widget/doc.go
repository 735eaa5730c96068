// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

// Package widget models Matrix room widgets and the pure rules around
// them.
//
// A widget is an im.vector.modular.widgets state event whose state key
// is the widget ID. It is live while its latest content carries a
// non-empty string "type" and "url"; replacing the content with {} is
// how a widget is closed. [WidgetsInRoom] and its type filters derive
// the live set from a [RoomState] snapshot. [CanManageWidgets] decides
// whether a user may add or close widgets from the same snapshot.
//
// Nothing in this package performs I/O. Submitting state and observing
// sync belongs to the manager package.
package widget
