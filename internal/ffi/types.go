package ffi

import (
	"unsafe"

	"github.com/thesyncim/peerbridge/pkg/frame"
)

// SdpType matches mrsSdpMessageType.
type SdpType int32

const (
	SdpTypeOffer  SdpType = 1
	SdpTypeAnswer SdpType = 2
)

// IceConnectionState matches mrsIceConnectionState.
type IceConnectionState int32

const (
	IceStateNew IceConnectionState = iota
	IceStateChecking
	IceStateConnected
	IceStateCompleted
	IceStateFailed
	IceStateDisconnected
	IceStateClosed
)

func (s IceConnectionState) String() string {
	switch s {
	case IceStateNew:
		return "new"
	case IceStateChecking:
		return "checking"
	case IceStateConnected:
		return "connected"
	case IceStateCompleted:
		return "completed"
	case IceStateFailed:
		return "failed"
	case IceStateDisconnected:
		return "disconnected"
	case IceStateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	iceTransportAll   int32 = 3
	bundleBalanced    int32 = 0
	sdpUnifiedPlan    int32 = 0
	mediaKindAudio    int32 = 0
	mediaKindVideo    int32 = 1
	directionSendRecv int32 = 0
)

// peerConnectionConfiguration matches mrsPeerConnectionConfiguration.
type peerConnectionConfiguration struct {
	EncodedICEServers *byte
	ICETransportType  int32
	BundlePolicy      int32
	SdpSemantic       int32
}

// iceCandidate matches mrsIceCandidate.
type iceCandidate struct {
	SdpMid        *byte
	Content       *byte
	SdpMlineIndex int32
}

// remoteVideoTrackAddedInfo matches the leading fields of
// mrsRemoteVideoTrackAddedInfo.
type remoteVideoTrackAddedInfo struct {
	TrackHandle       uintptr
	TransceiverHandle uintptr
	TrackName         *byte
}

// transceiverInitConfig matches mrsTransceiverInitConfig.
type transceiverInitConfig struct {
	Name             *byte
	MediaKind        int32
	DesiredDirection int32
	StreamIDs        *byte
	InteropHandle    uintptr
}

// localVideoDeviceInitConfig matches mrsLocalVideoDeviceInitConfig.
type localVideoDeviceInitConfig struct {
	VideoDeviceID               *byte
	VideoProfileID              *byte
	VideoProfileKind            int32
	Width                       uint32
	Height                      uint32
	Framerate                   float64
	EnableMRC                   int32
	EnableMRCRecordingIndicator int32
}

// I420AFrame matches mrsI420AVideoFrame. Plane pointers reference native
// memory that is only valid for the duration of the callback.
type I420AFrame struct {
	Width   uint32
	Height  uint32
	YData   uintptr
	UData   uintptr
	VData   uintptr
	AData   uintptr
	YStride int32
	UStride int32
	VStride int32
	AStride int32
}

// Upper bounds applied to frames coming from native code.
const (
	maxFrameDimension = 8192
	maxStride         = 16384
)

// CopyFrame copies a native I420A frame into Go memory. It returns nil when
// the frame header is implausible. The alpha plane is kept only when present.
//
//go:nocheckptr
func CopyFrame(src *I420AFrame) *frame.VideoFrame {
	if src == nil {
		return nil
	}
	w, h := int(src.Width), int(src.Height)
	if w <= 0 || h <= 0 || w > maxFrameDimension || h > maxFrameDimension {
		return nil
	}
	if src.YData == 0 || src.UData == 0 || src.VData == 0 {
		return nil
	}
	if !validStride(src.YStride, w) || !validStride(src.UStride, (w+1)/2) || !validStride(src.VStride, (w+1)/2) {
		return nil
	}

	chromaH := (h + 1) / 2
	strides := []int{int(src.YStride), int(src.UStride), int(src.VStride)}
	planes := [][]byte{
		copyPlane(src.YData, strides[0], h),
		copyPlane(src.UData, strides[1], chromaH),
		copyPlane(src.VData, strides[2], chromaH),
	}
	format := frame.PixelFormatI420
	if src.AData != 0 && validStride(src.AStride, w) {
		planes = append(planes, copyPlane(src.AData, int(src.AStride), h))
		strides = append(strides, int(src.AStride))
		format = frame.PixelFormatI420A
	}

	return &frame.VideoFrame{
		Width:  w,
		Height: h,
		Format: format,
		Data:   planes,
		Stride: strides,
	}
}

func validStride(stride int32, minimum int) bool {
	return int(stride) >= minimum && stride <= maxStride
}

//go:nocheckptr
func copyPlane(ptr uintptr, stride, rows int) []byte {
	n := stride * rows
	out := make([]byte, n)
	copy(out, unsafe.Slice((*byte)(unsafe.Pointer(ptr)), n))
	return out
}

// cString returns a NUL-terminated copy of s. The caller keeps the slice
// alive (and pinned) for as long as native code may read it.
func cString(s string) []byte {
	b := make([]byte, len(s)+1)
	copy(b, s)
	return b
}

// goString copies a NUL-terminated native string.
//
//go:nocheckptr
func goString(p uintptr) string {
	if p == 0 {
		return ""
	}
	n := 0
	for *(*byte)(unsafe.Pointer(p + uintptr(n))) != 0 {
		n++
	}
	return string(unsafe.Slice((*byte)(unsafe.Pointer(p)), n))
}

// Stats objects delivered by mrsStatsReportGetObjects. The layouts follow
// the C structs field for field.

// transportStats matches mrsTransportStats.
type transportStats struct {
	TimestampUs   int64
	BytesSent     uint64
	BytesReceived uint64
}

// audioSenderStats matches mrsAudioSenderStats.
type audioSenderStats struct {
	TrackIdentifier       *byte
	TrackStatsTimestampUs int64
	AudioLevel            float64
	TotalAudioEnergy      float64
	TotalSamplesDuration  float64
	RTPStatsTimestampUs   int64
	PacketsSent           uint32
	BytesSent             uint64
}

// audioReceiverStats matches mrsAudioReceiverStats.
type audioReceiverStats struct {
	TrackIdentifier       *byte
	TrackStatsTimestampUs int64
	AudioLevel            float64
	TotalAudioEnergy      float64
	TotalSamplesReceived  uint64
	TotalSamplesDuration  float64
	RTPStatsTimestampUs   int64
	PacketsReceived       uint32
	BytesReceived         uint64
}

// videoSenderStats matches mrsVideoSenderStats.
type videoSenderStats struct {
	TrackIdentifier       *byte
	TrackStatsTimestampUs int64
	FramesSent            uint32
	HugeFramesSent        uint32
	RTPStatsTimestampUs   int64
	PacketsSent           uint32
	BytesSent             uint64
	FramesEncoded         uint32
}

// videoReceiverStats matches mrsVideoReceiverStats.
type videoReceiverStats struct {
	TrackIdentifier       *byte
	TrackStatsTimestampUs int64
	FramesReceived        uint32
	FramesDropped         uint32
	RTPStatsTimestampUs   int64
	PacketsReceived       uint32
	BytesReceived         uint64
	FramesDecoded         uint32
}
