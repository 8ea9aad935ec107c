// Package codec names the RTP codecs peerbridge negotiates.
package codec

import "strings"

// Type represents a video or audio codec type.
type Type int

const (
	Unknown Type = iota

	// Video codecs
	H264
	VP8
	VP9
	AV1

	// Audio codecs
	Opus
	PCMU
	PCMA
)

var all = []Type{H264, VP8, VP9, AV1, Opus, PCMU, PCMA}

// String returns the SDP encoding name of the codec.
func (t Type) String() string {
	switch t {
	case H264:
		return "H264"
	case VP8:
		return "VP8"
	case VP9:
		return "VP9"
	case AV1:
		return "AV1"
	case Opus:
		return "opus"
	case PCMU:
		return "PCMU"
	case PCMA:
		return "PCMA"
	default:
		return "unknown"
	}
}

// MimeType returns the MIME type for the codec.
func (t Type) MimeType() string {
	switch {
	case t.IsVideo():
		return "video/" + t.String()
	case t.IsAudio():
		return "audio/" + t.String()
	default:
		return ""
	}
}

// IsVideo returns true if this is a video codec.
func (t Type) IsVideo() bool {
	switch t {
	case H264, VP8, VP9, AV1:
		return true
	default:
		return false
	}
}

// IsAudio returns true if this is an audio codec.
func (t Type) IsAudio() bool {
	switch t {
	case Opus, PCMU, PCMA:
		return true
	default:
		return false
	}
}

// ClockRate returns the RTP clock rate for the codec.
func (t Type) ClockRate() uint32 {
	switch t {
	case H264, VP8, VP9, AV1:
		return 90000
	case Opus:
		return 48000
	case PCMU, PCMA:
		return 8000
	default:
		return 0
	}
}

// Parse looks up a codec by encoding name, ignoring case.
func Parse(name string) (Type, bool) {
	for _, t := range all {
		if strings.EqualFold(name, t.String()) {
			return t, true
		}
	}
	return Unknown, false
}

// FromMimeType looks up a codec by MIME type, ignoring case.
func FromMimeType(mime string) (Type, bool) {
	for _, t := range all {
		if strings.EqualFold(mime, t.MimeType()) {
			return t, true
		}
	}
	return Unknown, false
}
