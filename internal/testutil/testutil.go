// Package testutil provides shared test utilities for peerbridge tests.
package testutil

import (
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/thesyncim/peerbridge/internal/ffi"
	"github.com/thesyncim/peerbridge/pkg/frame"
)

// RequireNativeLib skips the test if the native engine library cannot be
// loaded.
func RequireNativeLib(tb testing.TB) {
	tb.Helper()
	if err := ffi.LoadLibrary(); err != nil {
		tb.Skipf("native library not available: %v", err)
	}
}

// Logger returns a logger that writes through tb.Log when testing.Verbose,
// and discards otherwise.
func Logger(tb testing.TB) *slog.Logger {
	if !testing.Verbose() {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return slog.New(slog.NewTextHandler(tbWriter{tb}, &slog.HandlerOptions{Level: slog.LevelDebug}))
}

type tbWriter struct{ tb testing.TB }

func (w tbWriter) Write(p []byte) (int, error) {
	w.tb.Helper()
	w.tb.Log(string(p))
	return len(p), nil
}

// CreateTestVideoFrame creates an I420 video frame with a gradient pattern.
func CreateTestVideoFrame(width, height int) *frame.VideoFrame {
	f := frame.NewI420Frame(width, height)

	for i := range f.Data[0] {
		y := i / width
		x := i % width
		f.Data[0][i] = byte((x + y) % 256)
	}
	for i := range f.Data[1] {
		f.Data[1][i] = 128
		f.Data[2][i] = 128
	}
	return f
}

// CreateGrayVideoFrame creates a uniform gray I420 video frame.
func CreateGrayVideoFrame(width, height int) *frame.VideoFrame {
	f := frame.NewI420Frame(width, height)
	for _, plane := range f.Data {
		for i := range plane {
			plane[i] = 128
		}
	}
	return f
}

// Recorder keeps an ordered log of named events from any goroutine.
type Recorder struct {
	mu     sync.Mutex
	events []string
}

func (r *Recorder) Record(event string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.events = append(r.events, event)
	r.mu.Unlock()
}

// Events returns a copy of the recorded events.
func (r *Recorder) Events() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	copy(out, r.events)
	return out
}

// Count returns how many times event was recorded.
func (r *Recorder) Count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.events {
		if e == event {
			n++
		}
	}
	return n
}
