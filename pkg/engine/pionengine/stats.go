package pionengine

import (
	"context"
	"sync/atomic"

	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"

	"github.com/thesyncim/peerbridge/pkg/engine"
)

func (c *connection) countFrame(trackID string) {
	v, ok := c.frames.Load(trackID)
	if !ok {
		v, _ = c.frames.LoadOrStore(trackID, new(atomic.Uint64))
	}
	v.(*atomic.Uint64).Add(1)
}

func (c *connection) frameCount(trackID string) uint64 {
	if v, ok := c.frames.Load(trackID); ok {
		return v.(*atomic.Uint64).Load()
	}
	return 0
}

func (c *connection) streamStats(ssrc webrtc.SSRC) *stats.Stats {
	if c.rtp == nil || ssrc == 0 {
		return nil
	}
	return c.rtp.Get(uint32(ssrc))
}

// Stats reports per-track RTP counters from the connection's stats
// interceptor. The interceptor records packets asynchronously, so a
// snapshot can trail the wire slightly.
func (c *connection) Stats(ctx context.Context) (engine.ConnectionStats, error) {
	if c.closed.Load() {
		return engine.ConnectionStats{}, engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return engine.ConnectionStats{}, err
	}

	var out engine.ConnectionStats
	for _, sender := range c.pc.GetSenders() {
		track := sender.Track()
		if track == nil {
			continue
		}
		st := engine.StreamStats{
			TrackID: track.ID(),
			Kind:    track.Kind().String(),
			Frames:  c.frameCount(track.ID()),
		}
		for _, enc := range sender.GetParameters().Encodings {
			if s := c.streamStats(enc.SSRC); s != nil {
				st.Packets += s.OutboundRTPStreamStats.PacketsSent
				st.Bytes += s.OutboundRTPStreamStats.BytesSent
			}
		}
		out.Outbound = append(out.Outbound, st)
	}

	for _, receiver := range c.pc.GetReceivers() {
		for _, track := range receiver.Tracks() {
			if track.SSRC() == 0 {
				continue
			}
			st := engine.StreamStats{
				TrackID: track.ID(),
				Kind:    track.Kind().String(),
				Frames:  c.frameCount(track.ID()),
			}
			if s := c.streamStats(track.SSRC()); s != nil {
				st.Packets = s.InboundRTPStreamStats.PacketsReceived
				st.Bytes = s.InboundRTPStreamStats.BytesReceived
			}
			out.Inbound = append(out.Inbound, st)
		}
	}

	for _, v := range c.pc.GetStats() {
		if t, ok := v.(webrtc.TransportStats); ok {
			out.BytesSent += t.BytesSent
			out.BytesReceived += t.BytesReceived
		}
	}
	return out, nil
}
