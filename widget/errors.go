// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package widget

import (
	"errors"
	"fmt"

	"github.com/bureau-foundation/widgets/lib/ref"
)

// Kind classifies widget operation failures.
type Kind int

const (
	// KindNotEnoughPower: the user's power level is below what widget
	// state events require. Nothing was submitted.
	KindNotEnoughPower Kind = iota + 1
	// KindCreationFailed: the state event was accepted but could not be
	// read back as a live widget.
	KindCreationFailed
	// KindTransport: a homeserver call failed. Err is the collaborator
	// error unchanged.
	KindTransport
	// KindInvalidContent: the content failed local validation. Nothing
	// was submitted.
	KindInvalidContent
)

func (k Kind) String() string {
	switch k {
	case KindNotEnoughPower:
		return "not enough power"
	case KindCreationFailed:
		return "creation failed"
	case KindTransport:
		return "transport failure"
	case KindInvalidContent:
		return "invalid widget content"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by widget operations.
type Error struct {
	Kind     Kind
	Op       string
	RoomID   ref.RoomID
	WidgetID string
	Err      error
}

func (e *Error) Error() string {
	message := fmt.Sprintf("widget: %s", e.Op)
	if !e.RoomID.IsZero() {
		message += " in " + e.RoomID.String()
	}
	if e.WidgetID != "" {
		message += fmt.Sprintf(" (widget %q)", e.WidgetID)
	}
	message += ": " + e.Kind.String()
	if e.Err != nil {
		message += ": " + e.Err.Error()
	}
	return message
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err wraps an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var widgetErr *Error
	if errors.As(err, &widgetErr) {
		return widgetErr.Kind == kind
	}
	return false
}

// KindOf returns the kind of the *Error err wraps.
func KindOf(err error) (Kind, bool) {
	var widgetErr *Error
	if errors.As(err, &widgetErr) {
		return widgetErr.Kind, true
	}
	return 0, false
}
