// Package frame provides the decoded video frame type relayed between engine
// callbacks and the consumer loop.
package frame

import "time"

// PixelFormat represents the pixel format of a video frame.
type PixelFormat int

const (
	// PixelFormatI420 is the standard YUV 4:2:0 planar format.
	// Y plane followed by U plane followed by V plane.
	PixelFormatI420 PixelFormat = iota

	// PixelFormatI420A is I420 with a fourth full-resolution alpha plane.
	// Produced by engines that blend mixed-reality capture.
	PixelFormatI420A

	// PixelFormatNV12 is YUV 4:2:0 semi-planar format.
	// Y plane followed by interleaved UV plane.
	PixelFormatNV12

	// PixelFormatARGB is 32-bit ARGB format, single plane.
	PixelFormatARGB

	// PixelFormatEncoded marks a frame whose single plane holds a compressed
	// access unit. Engines emit it when no decoder is configured.
	PixelFormatEncoded
)

// String returns the string representation of the pixel format.
func (f PixelFormat) String() string {
	switch f {
	case PixelFormatI420:
		return "I420"
	case PixelFormatI420A:
		return "I420A"
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatARGB:
		return "ARGB"
	case PixelFormatEncoded:
		return "Encoded"
	default:
		return "Unknown"
	}
}

// Direction identifies which media stream a frame belongs to.
type Direction int

const (
	// DirectionLocal is video captured on this device.
	DirectionLocal Direction = iota
	// DirectionRemote is video received from the remote peer.
	DirectionRemote
)

func (d Direction) String() string {
	switch d {
	case DirectionLocal:
		return "local"
	case DirectionRemote:
		return "remote"
	default:
		return "unknown"
	}
}

// VideoFrame is an immutable snapshot of one decoded video sample.
//
// A frame is owned by whoever holds it: the producer hands it to a queue and
// the consumer takes it from there. Nobody mutates it after it was pushed;
// use Clone to derive a modified copy.
type VideoFrame struct {
	// Width of the frame in pixels.
	Width int

	// Height of the frame in pixels.
	Height int

	// Format specifies the pixel format.
	Format PixelFormat

	// Data contains the pixel data.
	// For I420: [Y, U, V] planes
	// For I420A: [Y, U, V, A] planes
	// For NV12: [Y, UV] planes
	// For ARGB and Encoded: single plane
	Data [][]byte

	// Stride is the number of bytes per row for each plane.
	Stride []int

	// Timestamp is a monotonic capture or render timestamp.
	Timestamp time.Duration

	// PTS is the RTP timestamp (90kHz clock for video), zero when unknown.
	PTS uint32

	// IsKeyframe indicates if this is an I-frame. Only meaningful for
	// encoded frames.
	IsKeyframe bool
}

// Clone creates a deep copy of the frame.
func (f *VideoFrame) Clone() *VideoFrame {
	clone := &VideoFrame{
		Width:      f.Width,
		Height:     f.Height,
		Format:     f.Format,
		Timestamp:  f.Timestamp,
		PTS:        f.PTS,
		IsKeyframe: f.IsKeyframe,
		Data:       make([][]byte, len(f.Data)),
		Stride:     make([]int, len(f.Stride)),
	}

	for i, plane := range f.Data {
		clone.Data[i] = make([]byte, len(plane))
		copy(clone.Data[i], plane)
	}
	copy(clone.Stride, f.Stride)

	return clone
}

// Size returns the total number of bytes across all planes.
func (f *VideoFrame) Size() int {
	n := 0
	for _, plane := range f.Data {
		n += len(plane)
	}
	return n
}

// YPlane returns the Y plane data for YUV formats.
// Returns nil for non-YUV formats.
func (f *VideoFrame) YPlane() []byte {
	switch f.Format {
	case PixelFormatI420, PixelFormatI420A, PixelFormatNV12:
		if len(f.Data) > 0 {
			return f.Data[0]
		}
	}
	return nil
}

// UPlane returns the U plane data for I420 formats.
// Returns nil for other formats.
func (f *VideoFrame) UPlane() []byte {
	if (f.Format == PixelFormatI420 || f.Format == PixelFormatI420A) && len(f.Data) > 1 {
		return f.Data[1]
	}
	return nil
}

// VPlane returns the V plane data for I420 formats.
// Returns nil for other formats.
func (f *VideoFrame) VPlane() []byte {
	if (f.Format == PixelFormatI420 || f.Format == PixelFormatI420A) && len(f.Data) > 2 {
		return f.Data[2]
	}
	return nil
}

// APlane returns the alpha plane for I420A frames.
func (f *VideoFrame) APlane() []byte {
	if f.Format == PixelFormatI420A && len(f.Data) > 3 {
		return f.Data[3]
	}
	return nil
}

// NewI420Frame creates a new I420 video frame with allocated buffers.
func NewI420Frame(width, height int) *VideoFrame {
	ySize := width * height
	uvWidth := (width + 1) / 2
	uvHeight := (height + 1) / 2
	uvSize := uvWidth * uvHeight

	return &VideoFrame{
		Width:  width,
		Height: height,
		Format: PixelFormatI420,
		Data: [][]byte{
			make([]byte, ySize),
			make([]byte, uvSize),
			make([]byte, uvSize),
		},
		Stride: []int{width, uvWidth, uvWidth},
	}
}

// NewEncodedFrame wraps a compressed access unit. The payload is not copied.
func NewEncodedFrame(payload []byte, width, height int, keyframe bool) *VideoFrame {
	return &VideoFrame{
		Width:      width,
		Height:     height,
		Format:     PixelFormatEncoded,
		Data:       [][]byte{payload},
		Stride:     []int{len(payload)},
		IsKeyframe: keyframe,
	}
}
