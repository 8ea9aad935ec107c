package ffi

import "unsafe"

// TrackStats are the counters of one track in a stats report.
type TrackStats struct {
	TrackID string
	Video   bool
	Packets uint64
	Bytes   uint64
	Frames  uint64
}

// SimpleStats is the part of a native stats report peerbridge reads.
type SimpleStats struct {
	Senders       []TrackStats
	Receivers     []TrackStats
	BytesSent     uint64
	BytesReceived uint64
}

// Object kinds accepted by mrsStatsReportGetObjects.
const (
	statsAudioSender   = "AudioSenderStats"
	statsAudioReceiver = "AudioReceiverStats"
	statsVideoSender   = "VideoSenderStats"
	statsVideoReceiver = "VideoReceiverStats"
	statsTransport     = "TransportStats"
)

var (
	statsRequests registry[func(SimpleStats)]
	statsVisitors registry[func(obj uintptr)]
)

// GetStats requests a stats report. done runs on a native thread once the
// report has been read, unless the call itself fails.
func (p *PeerConnection) GetStats(done func(SimpleStats)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}
	if done == nil {
		done = func(SimpleStats) {}
	}
	initTrampolines()
	id := statsRequests.add(done)
	if err := Result(mrsPeerConnectionGetSimpleStats(h, statsReadyCb, id)).Err(); err != nil {
		statsRequests.remove(id)
		return err
	}
	return nil
}

// readReport walks every object kind of a live report handle. Object
// callbacks run synchronously inside mrsStatsReportGetObjects.
func readReport(report uintptr) SimpleStats {
	return collectStats(func(kind string, visit func(obj uintptr)) {
		id := statsVisitors.add(visit)
		defer statsVisitors.remove(id)
		mrsStatsReportGetObjects(report, kind, statsObjectCb, id)
	})
}

// collectStats builds SimpleStats from the objects each yields per kind.
// Strings are copied; the objects are only read during visit.
//
//go:nocheckptr
func collectStats(each func(kind string, visit func(obj uintptr))) SimpleStats {
	var s SimpleStats
	each(statsAudioSender, func(obj uintptr) {
		o := (*audioSenderStats)(unsafe.Pointer(obj))
		s.Senders = append(s.Senders, TrackStats{
			TrackID: goString(uintptr(unsafe.Pointer(o.TrackIdentifier))),
			Packets: uint64(o.PacketsSent),
			Bytes:   o.BytesSent,
		})
	})
	each(statsVideoSender, func(obj uintptr) {
		o := (*videoSenderStats)(unsafe.Pointer(obj))
		s.Senders = append(s.Senders, TrackStats{
			TrackID: goString(uintptr(unsafe.Pointer(o.TrackIdentifier))),
			Video:   true,
			Packets: uint64(o.PacketsSent),
			Bytes:   o.BytesSent,
			Frames:  uint64(o.FramesSent),
		})
	})
	each(statsAudioReceiver, func(obj uintptr) {
		o := (*audioReceiverStats)(unsafe.Pointer(obj))
		s.Receivers = append(s.Receivers, TrackStats{
			TrackID: goString(uintptr(unsafe.Pointer(o.TrackIdentifier))),
			Packets: uint64(o.PacketsReceived),
			Bytes:   o.BytesReceived,
		})
	})
	each(statsVideoReceiver, func(obj uintptr) {
		o := (*videoReceiverStats)(unsafe.Pointer(obj))
		s.Receivers = append(s.Receivers, TrackStats{
			TrackID: goString(uintptr(unsafe.Pointer(o.TrackIdentifier))),
			Video:   true,
			Packets: uint64(o.PacketsReceived),
			Bytes:   o.BytesReceived,
			Frames:  uint64(o.FramesReceived),
		})
	})
	each(statsTransport, func(obj uintptr) {
		o := (*transportStats)(unsafe.Pointer(obj))
		s.BytesSent += o.BytesSent
		s.BytesReceived += o.BytesReceived
	})
	return s
}
