// Package sdpfilter rewrites session descriptions to force a codec.
//
// Forcing a codec removes every other payload type from the matching media
// sections, keeping the retransmission (rtx) payloads associated with the
// forced one. The peers then negotiate that codec or nothing.
package sdpfilter

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/pion/sdp/v3"
)

var ErrInvalidToken = errors.New("invalid sdp token")

// Filter selects a codec by its rtpmap encoding name (case-insensitive).
// An empty Codec leaves the media kind untouched. Params are merged into the
// fmtp line of the forced payload types.
type Filter struct {
	Codec  string
	Params map[string]string
}

// ForceCodecs applies the audio filter to every audio section and the video
// filter to every video section. A section where the codec is not offered is
// left unchanged.
func ForceCodecs(desc string, audio, video Filter) (string, error) {
	if audio.Codec == "" && video.Codec == "" {
		return desc, nil
	}
	if err := audio.validate(); err != nil {
		return "", err
	}
	if err := video.validate(); err != nil {
		return "", err
	}

	var sd sdp.SessionDescription
	if err := sd.Unmarshal([]byte(desc)); err != nil {
		return "", fmt.Errorf("sdpfilter: parse: %w", err)
	}

	for _, md := range sd.MediaDescriptions {
		switch md.MediaName.Media {
		case "audio":
			forceCodec(md, audio)
		case "video":
			forceCodec(md, video)
		}
	}

	out, err := sd.Marshal()
	if err != nil {
		return "", fmt.Errorf("sdpfilter: marshal: %w", err)
	}
	return string(out), nil
}

// ForceVideoCodec forces codec in the video sections only.
func ForceVideoCodec(desc, codec string) (string, error) {
	return ForceCodecs(desc, Filter{}, Filter{Codec: codec})
}

// IsValidToken reports whether s is an SDP token (RFC 4566 section 9).
func IsValidToken(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		case strings.ContainsRune("!#$%&'*+-.^_`{|}~", r):
		default:
			return false
		}
	}
	return true
}

func (f Filter) validate() error {
	if f.Codec == "" {
		return nil
	}
	if !IsValidToken(f.Codec) {
		return fmt.Errorf("%w: codec %q", ErrInvalidToken, f.Codec)
	}
	for k, v := range f.Params {
		if !IsValidToken(k) || strings.ContainsAny(v, "; \r\n") {
			return fmt.Errorf("%w: parameter %q=%q", ErrInvalidToken, k, v)
		}
	}
	return nil
}

func forceCodec(md *sdp.MediaDescription, f Filter) {
	if f.Codec == "" {
		return
	}

	codecs := make(map[string]string) // payload type -> encoding name
	for _, a := range md.Attributes {
		if a.Key != "rtpmap" {
			continue
		}
		pt, rest := splitPayload(a.Value)
		name, _, _ := strings.Cut(rest, "/")
		codecs[pt] = name
	}

	keep := make(map[string]bool)
	for pt, name := range codecs {
		if strings.EqualFold(name, f.Codec) {
			keep[pt] = true
		}
	}
	if len(keep) == 0 {
		return
	}
	forced := make(map[string]bool, len(keep))
	for pt := range keep {
		forced[pt] = true
	}

	// Keep rtx payloads whose apt points at a forced payload.
	for _, a := range md.Attributes {
		if a.Key != "fmtp" {
			continue
		}
		pt, rest := splitPayload(a.Value)
		if !strings.EqualFold(codecs[pt], "rtx") {
			continue
		}
		if apt, ok := parseParams(rest).get("apt"); ok && forced[apt] {
			keep[pt] = true
		}
	}

	formats := md.MediaName.Formats[:0]
	for _, pt := range md.MediaName.Formats {
		if keep[pt] {
			formats = append(formats, pt)
		}
	}
	md.MediaName.Formats = formats

	hasFmtp := make(map[string]bool)
	attrs := md.Attributes[:0]
	for _, a := range md.Attributes {
		switch a.Key {
		case "rtpmap", "fmtp", "rtcp-fb":
			pt, rest := splitPayload(a.Value)
			if pt != "*" && !keep[pt] {
				continue
			}
			if a.Key == "fmtp" && forced[pt] {
				hasFmtp[pt] = true
				a.Value = pt + " " + parseParams(rest).merge(f.Params).String()
			}
		}
		attrs = append(attrs, a)
	}
	md.Attributes = attrs

	if len(f.Params) == 0 {
		return
	}
	for _, pt := range sortedPayloads(forced) {
		if hasFmtp[pt] {
			continue
		}
		md.Attributes = append(md.Attributes, sdp.NewAttribute("fmtp", pt+" "+params(nil).merge(f.Params).String()))
	}
}

func splitPayload(value string) (pt, rest string) {
	pt, rest, _ = strings.Cut(strings.TrimSpace(value), " ")
	return pt, strings.TrimSpace(rest)
}

func sortedPayloads(set map[string]bool) []string {
	out := make([]string, 0, len(set))
	for pt := range set {
		out = append(out, pt)
	}
	sort.Slice(out, func(i, j int) bool {
		a, errA := strconv.Atoi(out[i])
		b, errB := strconv.Atoi(out[j])
		if errA != nil || errB != nil {
			return out[i] < out[j]
		}
		return a < b
	})
	return out
}

// params is an ordered fmtp parameter list.
type params [][2]string

func parseParams(s string) params {
	var p params
	for _, kv := range strings.Split(s, ";") {
		kv = strings.TrimSpace(kv)
		if kv == "" {
			continue
		}
		k, v, _ := strings.Cut(kv, "=")
		p = append(p, [2]string{strings.TrimSpace(k), strings.TrimSpace(v)})
	}
	return p
}

func (p params) get(key string) (string, bool) {
	for _, kv := range p {
		if kv[0] == key {
			return kv[1], true
		}
	}
	return "", false
}

// merge overrides existing keys in place and appends new ones sorted by key.
func (p params) merge(extra map[string]string) params {
	if len(extra) == 0 {
		return p
	}
	keys := make([]string, 0, len(extra))
	for k := range extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	out := append(params(nil), p...)
	for _, k := range keys {
		found := false
		for i := range out {
			if out[i][0] == k {
				out[i][1] = extra[k]
				found = true
				break
			}
		}
		if !found {
			out = append(out, [2]string{k, extra[k]})
		}
	}
	return out
}

func (p params) String() string {
	parts := make([]string, len(p))
	for i, kv := range p {
		if kv[1] == "" {
			parts[i] = kv[0]
		} else {
			parts[i] = kv[0] + "=" + kv[1]
		}
	}
	return strings.Join(parts, ";")
}
