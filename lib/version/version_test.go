// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package version

import (
	"strings"
	"testing"
)

func TestInfoMarksDirtyBuilds(t *testing.T) {
	savedDirty, savedCommit := GitDirty, GitCommit
	t.Cleanup(func() { GitDirty, GitCommit = savedDirty, savedCommit })

	GitCommit = "abc1234"
	GitDirty = "true"
	if got := Info(); !strings.Contains(got, "abc1234-dirty") {
		t.Errorf("Info() = %q, want dirty marker", got)
	}
	GitDirty = "false"
	if got := Info(); strings.Contains(got, "dirty") {
		t.Errorf("Info() = %q, want no dirty marker", got)
	}
	if !strings.HasPrefix(UserAgent(), "widgetd/") {
		t.Errorf("UserAgent() = %q", UserAgent())
	}
}
