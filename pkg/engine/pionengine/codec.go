package pionengine

import (
	"encoding/binary"
	"fmt"

	"github.com/pion/rtp"
	"github.com/pion/rtp/codecs"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"

	"github.com/thesyncim/peerbridge/pkg/codec"
	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
)

// Decoder turns reassembled samples of one remote track into frames. A nil
// frame with a nil error means the sample produced no output.
type Decoder interface {
	Decode(s *media.Sample) (*frame.VideoFrame, error)
}

// DecoderFactory creates a decoder for a remote track's codec.
type DecoderFactory func(params webrtc.RTPCodecParameters) (Decoder, error)

// Encoder compresses local frames for the outgoing video track.
type Encoder interface {
	Encode(f *frame.VideoFrame) ([]byte, error)
	Close() error
}

// EncoderFactory creates an encoder for a capture configuration and reports
// the mime type it produces.
type EncoderFactory func(cc engine.CaptureConfig) (enc Encoder, mimeType string, err error)

// NewPassthroughDecoder is the default DecoderFactory. It emits each sample
// as a PixelFormatEncoded frame, filling in the dimensions from the last VP8
// key frame when the track is VP8.
func NewPassthroughDecoder(params webrtc.RTPCodecParameters) (Decoder, error) {
	t, _ := codec.FromMimeType(params.MimeType)
	return &passthroughDecoder{vp8: t == codec.VP8}, nil
}

type passthroughDecoder struct {
	vp8           bool
	width, height int
}

func (d *passthroughDecoder) Decode(s *media.Sample) (*frame.VideoFrame, error) {
	if len(s.Data) == 0 {
		return nil, nil
	}
	keyframe := false
	if d.vp8 {
		if w, h, ok := vp8KeyFrameSize(s.Data); ok {
			d.width, d.height = w, h
			keyframe = true
		}
	}
	payload := make([]byte, len(s.Data))
	copy(payload, s.Data)
	return frame.NewEncodedFrame(payload, d.width, d.height, keyframe), nil
}

// vp8KeyFrameSize parses the uncompressed VP8 key frame header (RFC 6386
// section 9.1).
func vp8KeyFrameSize(b []byte) (width, height int, ok bool) {
	if len(b) < 10 || b[0]&0x01 != 0 {
		return 0, 0, false
	}
	if b[3] != 0x9d || b[4] != 0x01 || b[5] != 0x2a {
		return 0, 0, false
	}
	width = int(binary.LittleEndian.Uint16(b[6:8]) & 0x3fff)
	height = int(binary.LittleEndian.Uint16(b[8:10]) & 0x3fff)
	return width, height, true
}

// depacketizerFor returns the RTP depacketizer for a video mime type.
func depacketizerFor(mimeType string) (rtp.Depacketizer, error) {
	t, _ := codec.FromMimeType(mimeType)
	switch t {
	case codec.VP8:
		return &codecs.VP8Packet{}, nil
	case codec.VP9:
		return &codecs.VP9Packet{}, nil
	case codec.H264:
		return &codecs.H264Packet{}, nil
	default:
		return nil, fmt.Errorf("no depacketizer for %s", mimeType)
	}
}
