// Package engine defines the contract between peerbridge and a media engine.
//
// An engine owns its own threads. It creates connections asynchronously, and
// once callbacks are installed it may invoke them from any goroutine, including
// several at once. Nothing in this package is tied to a particular WebRTC
// implementation; see pionengine and native for the shipped ones.
package engine

import (
	"context"
	"errors"

	"github.com/thesyncim/peerbridge/pkg/frame"
	"github.com/thesyncim/peerbridge/pkg/ice"
)

// Errors
var (
	ErrClosed         = errors.New("connection closed")
	ErrNotNegotiable  = errors.New("connection does not support negotiation")
	ErrTrackFailed    = errors.New("local track creation failed")
	ErrDeviceNotFound = errors.New("capture device not found")
	ErrNoStats        = errors.New("connection does not report stats")
)

// ConnectionConfig is handed to Engine.Connect.
type ConnectionConfig struct {
	ICEServers []ice.Server
	// Username and Credential apply to TURN servers without their own.
	Username   string
	Credential string
}

// CaptureConfig constrains a local video capture. Zero values let the engine
// pick.
type CaptureConfig struct {
	DeviceID  string
	Width     int
	Height    int
	FrameRate float64
}

// Callbacks are invoked by the engine on its own goroutines. Any field may be
// nil. Frames passed to OnLocalFrame and OnRemoteFrame are owned by the
// receiver.
type Callbacks struct {
	OnLocalFrame  func(*frame.VideoFrame)
	OnRemoteFrame func(*frame.VideoFrame)
	OnError       func(error)
}

// IsZero reports whether no callback is set.
func (c Callbacks) IsZero() bool {
	return c.OnLocalFrame == nil && c.OnRemoteFrame == nil && c.OnError == nil
}

// Engine creates connections.
type Engine interface {
	// Connect creates a connection. It may block for as long as the engine
	// needs and should give up when ctx is done. ctx bounds creation only;
	// the returned connection lives until Close.
	Connect(ctx context.Context, cfg ConnectionConfig) (Connection, error)
}

// Connection is a live engine connection.
type Connection interface {
	// SetCallbacks replaces the installed callbacks. The zero Callbacks
	// deregisters them.
	SetCallbacks(cb Callbacks)

	AddLocalAudioTrack(ctx context.Context) error
	AddLocalVideoTrack(ctx context.Context, cc CaptureConfig, mrc bool) error

	// Close disposes the connection. Callers deregister callbacks first.
	Close() error
}

// SDPType is the type of a session description.
type SDPType int

const (
	SDPTypeOffer SDPType = iota
	SDPTypePranswer
	SDPTypeAnswer
	SDPTypeRollback
)

func (t SDPType) String() string {
	switch t {
	case SDPTypeOffer:
		return "offer"
	case SDPTypePranswer:
		return "pranswer"
	case SDPTypeAnswer:
		return "answer"
	case SDPTypeRollback:
		return "rollback"
	default:
		return "unknown"
	}
}

// ParseSDPType is the inverse of SDPType.String.
func ParseSDPType(s string) (SDPType, bool) {
	switch s {
	case "offer":
		return SDPTypeOffer, true
	case "pranswer":
		return SDPTypePranswer, true
	case "answer":
		return SDPTypeAnswer, true
	case "rollback":
		return SDPTypeRollback, true
	default:
		return 0, false
	}
}

// SessionDescription is an SDP session description.
type SessionDescription struct {
	Type SDPType
	SDP  string
}

// ICECandidate is a trickled ICE candidate.
type ICECandidate struct {
	Candidate     string
	SDPMid        string
	SDPMLineIndex uint16
}

// Negotiator is implemented by connections that expose offer/answer
// negotiation to an external signaler.
type Negotiator interface {
	CreateOffer(ctx context.Context) (SessionDescription, error)
	CreateAnswer(ctx context.Context) (SessionDescription, error)
	SetLocalDescription(desc SessionDescription) error
	SetRemoteDescription(desc SessionDescription) error
	AddICECandidate(c ICECandidate) error
	// OnICECandidate sets the handler for locally gathered candidates. A nil
	// candidate marks the end of gathering.
	OnICECandidate(fn func(*ICECandidate))
}

// StreamStats are the RTP counters of one local or remote track.
type StreamStats struct {
	TrackID string
	Kind    string // "audio" or "video"
	Packets uint64
	Bytes   uint64
	// Frames counts video frames sent or received. Zero for audio.
	Frames uint64
}

// ConnectionStats is a snapshot of a connection's media counters.
type ConnectionStats struct {
	Outbound []StreamStats
	Inbound  []StreamStats
	// BytesSent and BytesReceived are transport totals, including RTCP and
	// ICE traffic.
	BytesSent     uint64
	BytesReceived uint64
}

// Sent sums the outbound streams of kind, or of every kind when kind is "".
func (s ConnectionStats) Sent(kind string) (packets, bytes uint64) {
	return sum(s.Outbound, kind)
}

// Received sums the inbound streams of kind, or of every kind when kind
// is "".
func (s ConnectionStats) Received(kind string) (packets, bytes uint64) {
	return sum(s.Inbound, kind)
}

func sum(streams []StreamStats, kind string) (packets, bytes uint64) {
	for _, st := range streams {
		if kind == "" || st.Kind == kind {
			packets += st.Packets
			bytes += st.Bytes
		}
	}
	return packets, bytes
}

// StatsProvider is implemented by connections that report media counters.
// Stats may be called from any goroutine and should give up when ctx is
// done.
type StatsProvider interface {
	Stats(ctx context.Context) (ConnectionStats, error)
}
