// Copyright 2018 Google LLC
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

package log

import (
	"fmt"
	"strings"
	"testing"
	"time"

	"golang.org/x/time/rate"
)

type testWriter struct {
	lines []string
	fail  bool
}

func (w *testWriter) Write(bytes []byte) (int, error) {
	if w.fail {
		return 0, fmt.Errorf("simulated failure")
	}
	w.lines = append(w.lines, string(bytes))
	return len(bytes), nil
}

func TestDropMessages(t *testing.T) {
	tw := &testWriter{}
	w := &Writer{Next: tw}
	if _, err := w.Write([]byte("line 1\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	tw.fail = true
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}
	if _, err := w.Write([]byte("error\n")); err == nil {
		t.Fatalf("Write should have failed")
	}

	tw.fail = false
	if _, err := w.Write([]byte("line 2\n")); err != nil {
		t.Fatalf("Write failed, err: %v", err)
	}

	expected := []string{
		"line 1\n",
		"line 2\n",
		"\n*** Dropped 2 log messages ***\n",
	}
	if len(tw.lines) != len(expected) {
		t.Fatalf("Writer should have logged %d lines, got: %v, expected: %v", len(expected), tw.lines, expected)
	}
	for i, l := range tw.lines {
		if l != expected[i] {
			t.Fatalf("line %d doesn't match, got: %q, expected: %q", i, l, expected[i])
		}
	}
}

func TestLevelFiltering(t *testing.T) {
	tw := &testWriter{}
	l := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}

	l.Debugf("hidden %d", 1)
	l.Infof("shown %d", 2)
	l.Warningf("shown %d", 3)
	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, tw.lines, want)
	}

	l.SetLevel(Debug)
	if !l.IsLogging(Debug) {
		t.Errorf("IsLogging(Debug) = false after SetLevel(Debug)")
	}
	l.Debugf("now shown")
	if got, want := tw.lines[len(tw.lines)-1], "now shown\n"; got != want {
		t.Errorf("last line = %q, want %q", got, want)
	}
}

func TestGoogleEmitter(t *testing.T) {
	tw := &testWriter{}
	e := GoogleEmitter{&Writer{Next: tw}}
	ts := time.Date(2026, time.May, 4, 13, 2, 9, 123456000, time.UTC)
	e.Emit(0, Warning, ts, "max lock depth %d", 1024)

	if len(tw.lines) != 1 {
		t.Fatalf("got %d lines, want 1", len(tw.lines))
	}
	line := tw.lines[0]
	if !strings.HasPrefix(line, "W0504 13:02:09.123456 ") {
		t.Errorf("unexpected header in %q", line)
	}
	if !strings.Contains(line, "log_test.go:") {
		t.Errorf("line %q does not name the calling file", line)
	}
	if !strings.HasSuffix(line, "] max lock depth 1024\n") {
		t.Errorf("unexpected message in %q", line)
	}
}

func TestMultiEmitter(t *testing.T) {
	a, b := &testWriter{}, &testWriter{}
	m := MultiEmitter{&Writer{Next: a}, &Writer{Next: b}}
	m.Emit(0, Info, time.Now(), "hello")
	if len(a.lines) != 1 || len(b.lines) != 1 {
		t.Errorf("got %v and %v, want one line each", a.lines, b.lines)
	}
}

func TestRateLimitedLogger(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	rl := RateLimitedLogger(base, time.Hour)
	for i := 0; i < 5; i++ {
		rl.Warningf("depth exceeded %d", i)
	}
	if got, want := len(tw.lines), 1; got != want {
		t.Errorf("got %d lines (%v), want %d", got, tw.lines, want)
	}
}

func TestRateLimitedLoggerReportsSuppressed(t *testing.T) {
	tw := &testWriter{}
	base := &BasicLogger{Level: Info, Emitter: &Writer{Next: tw}}
	rl := &rateLimitedLogger{logger: base, limit: rate.NewLimiter(rate.Every(time.Hour), 1)}
	for i := 0; i < 3; i++ {
		rl.Infof("progress %d", i)
	}
	rl.limit.SetLimit(rate.Inf)
	rl.Infof("progress %d", 3)

	if got, want := len(tw.lines), 2; got != want {
		t.Fatalf("got %d lines (%v), want %d", got, tw.lines, want)
	}
	if want := "progress 3 (2 similar messages suppressed)"; !strings.Contains(tw.lines[1], want) {
		t.Errorf("second line = %q, want it to contain %q", tw.lines[1], want)
	}
}
