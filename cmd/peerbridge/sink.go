package main

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/framequeue"
	"github.com/thesyncim/peerbridge/pkg/peer"
)

// countingSink stands in for a renderer: it pops every queued frame on the
// consumer goroutine and keeps the most recent one.
type countingSink struct {
	name  string
	queue atomic.Pointer[framequeue.Queue[*frame.VideoFrame]]

	frames uint64
	last   *frame.VideoFrame
}

func newCountingSink(name string) *countingSink {
	return &countingSink{name: name}
}

func (s *countingSink) SetFrameQueue(q *framequeue.Queue[*frame.VideoFrame]) {
	s.queue.Store(q)
}

// Drain pops everything currently queued and returns how many frames it got.
func (s *countingSink) Drain() int {
	q := s.queue.Load()
	if q == nil {
		return 0
	}
	n := 0
	for {
		f, ok := q.TryPop()
		if !ok {
			break
		}
		s.last = f
		n++
	}
	s.frames += uint64(n)
	return n
}

// Report logs counters since the previous report and resets them.
func (s *countingSink) Report(logger *slog.Logger) {
	q := s.queue.Load()
	if q == nil {
		return
	}
	st := q.Stats()
	attrs := []any{
		"sink", s.name,
		"frames", s.frames,
		"dropped_total", st.Dropped,
		"queued", st.Len,
	}
	if s.last != nil {
		attrs = append(attrs, "width", s.last.Width, "height", s.last.Height, "format", s.last.Format.String())
	}
	logger.Info("frames", attrs...)
	s.frames = 0
}

type statsSource interface {
	Stats(ctx context.Context) (engine.ConnectionStats, error)
}

// reportStats logs the connection counters. It stays quiet while there is
// no connection or the engine keeps no counters.
func reportStats(ctx context.Context, src statsSource, logger *slog.Logger) {
	st, err := src.Stats(ctx)
	switch {
	case errors.Is(err, peer.ErrNotInitialized), errors.Is(err, engine.ErrNoStats):
		return
	case err != nil:
		logger.Debug("connection stats unavailable", "error", err)
		return
	}
	videoPackets, videoBytes := st.Sent("video")
	audioPackets, _ := st.Sent("audio")
	recvPackets, recvBytes := st.Received("")
	var framesSent, framesReceived uint64
	for _, s := range st.Outbound {
		framesSent += s.Frames
	}
	for _, s := range st.Inbound {
		framesReceived += s.Frames
	}
	logger.Info("connection",
		"video_packets_sent", videoPackets,
		"video_bytes_sent", videoBytes,
		"audio_packets_sent", audioPackets,
		"frames_sent", framesSent,
		"packets_received", recvPackets,
		"bytes_received", recvBytes,
		"frames_received", framesReceived,
		"transport_bytes_sent", st.BytesSent,
		"transport_bytes_received", st.BytesReceived,
	)
}
