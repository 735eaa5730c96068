// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package process

import (
	"bytes"
	"errors"
	"fmt"
	"testing"
)

func TestExitCode(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"plain", errors.New("boom"), 1},
		{"usage", Usage("unknown command %q", "frob"), 2},
		{"wrapped usage", fmt.Errorf("widgetd: %w", Usage("missing argument")), 2},
	}
	for _, test := range tests {
		if got := ExitCode(test.err); got != test.want {
			t.Errorf("%s: ExitCode = %d, want %d", test.name, got, test.want)
		}
	}
}

func TestReport(t *testing.T) {
	t.Parallel()
	var buffer bytes.Buffer
	report(&buffer, Usage("unknown command %q", "frob"))
	if got := buffer.String(); got != "error: unknown command \"frob\"\n" {
		t.Errorf("report wrote %q", got)
	}
}
