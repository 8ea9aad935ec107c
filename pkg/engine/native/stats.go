package native

import (
	"context"
	"errors"
	"fmt"

	"github.com/thesyncim/peerbridge/internal/ffi"
	"github.com/thesyncim/peerbridge/pkg/engine"
)

var _ engine.StatsProvider = (*connection)(nil)

// Stats asks the library for a report and waits for it to be delivered.
func (c *connection) Stats(ctx context.Context) (engine.ConnectionStats, error) {
	if c.closed.Load() {
		return engine.ConnectionStats{}, engine.ErrClosed
	}
	return awaitStats(ctx, c.pc.GetStats)
}

func awaitStats(ctx context.Context, request func(done func(ffi.SimpleStats)) error) (engine.ConnectionStats, error) {
	if err := ctx.Err(); err != nil {
		return engine.ConnectionStats{}, err
	}
	ch := make(chan ffi.SimpleStats, 1)
	if err := request(func(s ffi.SimpleStats) { ch <- s }); err != nil {
		if errors.Is(err, ffi.ErrPeerClosed) {
			return engine.ConnectionStats{}, engine.ErrClosed
		}
		return engine.ConnectionStats{}, fmt.Errorf("native: stats: %w", err)
	}
	select {
	case s := <-ch:
		return convertStats(s), nil
	case <-ctx.Done():
		return engine.ConnectionStats{}, ctx.Err()
	}
}

func convertStats(s ffi.SimpleStats) engine.ConnectionStats {
	out := engine.ConnectionStats{BytesSent: s.BytesSent, BytesReceived: s.BytesReceived}
	for _, t := range s.Senders {
		out.Outbound = append(out.Outbound, streamStats(t))
	}
	for _, t := range s.Receivers {
		out.Inbound = append(out.Inbound, streamStats(t))
	}
	return out
}

func streamStats(t ffi.TrackStats) engine.StreamStats {
	kind := "audio"
	if t.Video {
		kind = "video"
	}
	return engine.StreamStats{
		TrackID: t.TrackID,
		Kind:    kind,
		Packets: t.Packets,
		Bytes:   t.Bytes,
		Frames:  t.Frames,
	}
}
