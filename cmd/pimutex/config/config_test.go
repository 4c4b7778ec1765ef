// Copyright 2020 The gVisor Authors.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package config

import (
	"flag"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"
	"gvisor.dev/pimutex/pkg/rtmutex"
	"gvisor.dev/pimutex/pkg/test/testutil"
)

func newFlagSet() *flag.FlagSet {
	testFlags := flag.NewFlagSet("test", flag.ContinueOnError)
	RegisterFlags(testFlags)
	return testFlags
}

func TestDefault(t *testing.T) {
	c, err := NewFromFlags(newFlagSet())
	if err != nil {
		t.Fatal(err)
	}

	// All defaults doesn't require setting flags.
	if flags := c.ToFlags(); len(flags) > 0 {
		t.Errorf("default flags not set correctly for: %s", flags)
	}
	if c.MaxLockDepth != rtmutex.DefaultMaxLockDepth {
		t.Errorf("MaxLockDepth=%d, want: %d", c.MaxLockDepth, rtmutex.DefaultMaxLockDepth)
	}
}

func TestFromFlags(t *testing.T) {
	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--debug", "--max-lock-depth=16", "--debug-log-format=json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	if want := true; c.Debug != want {
		t.Errorf("Debug=%v, want: %v", c.Debug, want)
	}
	if want := 16; c.MaxLockDepth != want {
		t.Errorf("MaxLockDepth=%v, want: %v", c.MaxLockDepth, want)
	}
	if want := "json"; c.DebugLogFormat != want {
		t.Errorf("DebugLogFormat=%v, want: %v", c.DebugLogFormat, want)
	}
	want := []string{"--debug=true", "--debug-log-format=json", "--max-lock-depth=16"}
	if diff := cmp.Diff(want, c.ToFlags()); diff != "" {
		t.Errorf("ToFlags() mismatch (-want +got):\n%s", diff)
	}
}

func TestValidation(t *testing.T) {
	for _, tc := range []struct {
		name string
		args []string
		err  string
	}{
		{name: "log format", args: []string{"--debug-log-format=xml"}, err: "invalid log format"},
		{name: "lock depth", args: []string{"--max-lock-depth=0"}, err: "max-lock-depth"},
		{name: "spin limit", args: []string{"--spin-limit=-1"}, err: "spin-limit"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			testFlags := newFlagSet()
			if err := testFlags.Parse(tc.args); err != nil {
				t.Fatalf("Parse: %v", err)
			}
			_, err := NewFromFlags(testFlags)
			if err == nil || !strings.Contains(err.Error(), tc.err) {
				t.Errorf("NewFromFlags() = %v, want error containing %q", err, tc.err)
			}
		})
	}
}

func TestConfigFile(t *testing.T) {
	path, cleanup, err := testutil.WriteTmpFile("config*.toml", `
debug = true
max_lock_depth = 32
spin_limit = 5
`)
	if err != nil {
		t.Fatalf("WriteTmpFile: %v", err)
	}
	defer cleanup()

	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--config=" + path, "--spin-limit=7"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	c, err := NewFromFlags(testFlags)
	if err != nil {
		t.Fatal(err)
	}
	want := &Config{
		ConfigFile:     path,
		Debug:          true,
		DebugLogFormat: "text",
		MaxLockDepth:   32,
		// Flags take precedence over the file.
		SpinLimit: 7,
	}
	if diff := cmp.Diff(want, c); diff != "" {
		t.Errorf("config mismatch (-want +got):\n%s", diff)
	}
}

func TestConfigFileUnknownSetting(t *testing.T) {
	path, cleanup, err := testutil.WriteTmpFile("config*.toml", "no_such_setting = 1\n")
	if err != nil {
		t.Fatalf("WriteTmpFile: %v", err)
	}
	defer cleanup()

	testFlags := newFlagSet()
	if err := testFlags.Parse([]string{"--config=" + path}); err != nil {
		t.Fatalf("Parse: %v", err)
	}
	if _, err := NewFromFlags(testFlags); err == nil || !strings.Contains(err.Error(), "no_such_setting") {
		t.Errorf("NewFromFlags() = %v, want error naming no_such_setting", err)
	}
}

func TestApply(t *testing.T) {
	defer rtmutex.SetMaxLockDepth(rtmutex.DefaultMaxLockDepth)
	defer rtmutex.SetSpinLimit(rtmutex.DefaultSpinLimit)

	c := &Config{MaxLockDepth: 3, SpinLimit: 9}
	c.Apply()
	if got := rtmutex.MaxLockDepth(); got != 3 {
		t.Errorf("MaxLockDepth() = %d, want 3", got)
	}
	if got := rtmutex.SpinLimit(); got != 9 {
		t.Errorf("SpinLimit() = %d, want 9", got)
	}
}
