package pionengine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pion/interceptor/pkg/stats"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/samplebuilder"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
)

const (
	// maxLate is how many packets the sample builder holds back for
	// reordering before it gives up on a sample.
	maxLate = 256

	opusFrameDuration = 20 * time.Millisecond
)

// opusSilence is a single 20ms Opus frame of silence.
var opusSilence = []byte{0xf8, 0xff, 0xfe}

type connection struct {
	eng      *Engine
	pc       *webrtc.PeerConnection
	logger   *slog.Logger
	streamID string
	rtp      stats.Getter

	// frames maps a track id to its *atomic.Uint64 video frame count.
	frames sync.Map

	mu sync.RWMutex
	cb engine.Callbacks

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	// tracksMu guards closing together with wg.Add and track registration,
	// so nothing is added to wg once Close is waiting on it.
	tracksMu  sync.Mutex
	closed    atomic.Bool
	capturers []Capturer
	encoders  []Encoder
}

var (
	_ engine.Connection    = (*connection)(nil)
	_ engine.Negotiator    = (*connection)(nil)
	_ engine.StatsProvider = (*connection)(nil)
)

func newConnection(e *Engine, pc *webrtc.PeerConnection, rtp stats.Getter) *connection {
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		eng:      e,
		pc:       pc,
		streamID: uuid.NewString(),
		rtp:      rtp,
		ctx:      ctx,
		cancel:   cancel,
	}
	c.logger = e.logger.With("stream", c.streamID)

	pc.OnTrack(c.onTrack)
	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		c.logger.Debug("connection state changed", "state", state.String())
		if state == webrtc.PeerConnectionStateFailed {
			c.emitError(ErrConnectionFailed)
		}
	})
	return c
}

func (c *connection) SetCallbacks(cb engine.Callbacks) {
	c.mu.Lock()
	c.cb = cb
	c.mu.Unlock()
}

func (c *connection) callbacks() engine.Callbacks {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.cb
}

func (c *connection) emitLocal(f *frame.VideoFrame) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnLocalFrame; fn != nil {
		fn(f)
	}
}

func (c *connection) emitRemote(f *frame.VideoFrame) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnRemoteFrame; fn != nil {
		fn(f)
	}
}

func (c *connection) emitError(err error) {
	if c.closed.Load() {
		return
	}
	if fn := c.callbacks().OnError; fn != nil {
		fn(err)
	}
}

// AddLocalAudioTrack adds an Opus track. There is no microphone capture in
// this engine; the track carries silence so the remote side sees a live
// stream.
func (c *connection) AddLocalAudioTrack(ctx context.Context) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		"audio-"+uuid.NewString(), c.streamID,
	)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrTrackFailed, err)
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		return fmt.Errorf("%w: %w", engine.ErrTrackFailed, err)
	}
	c.drainRTCP(sender)

	started := c.spawn(func() {
		ticker := time.NewTicker(opusFrameDuration)
		defer ticker.Stop()
		for {
			select {
			case <-c.ctx.Done():
				return
			case <-ticker.C:
				if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: opusFrameDuration}); err != nil && !errors.Is(err, io.ErrClosedPipe) {
					c.logger.Debug("write audio sample", "error", err)
				}
			}
		}
	})
	if !started {
		return engine.ErrClosed
	}
	return nil
}

// AddLocalVideoTrack starts a capturer for cc. mrc is accepted for API
// compatibility; this engine has no mixed reality compositor.
func (c *connection) AddLocalVideoTrack(ctx context.Context, cc engine.CaptureConfig, mrc bool) error {
	if c.closed.Load() {
		return engine.ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if mrc {
		c.logger.Debug("mixed reality capture not supported, ignoring")
	}

	mimeType := webrtc.MimeTypeVP8
	var enc Encoder
	if c.eng.encoders != nil {
		var err error
		enc, mimeType, err = c.eng.encoders(cc)
		if err != nil {
			return fmt.Errorf("%w: encoder: %w", engine.ErrTrackFailed, err)
		}
	}

	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: mimeType, ClockRate: 90000},
		"video-"+uuid.NewString(), c.streamID,
	)
	if err != nil {
		closeEncoder(enc)
		return fmt.Errorf("%w: %w", engine.ErrTrackFailed, err)
	}
	sender, err := c.pc.AddTrack(track)
	if err != nil {
		closeEncoder(enc)
		return fmt.Errorf("%w: %w", engine.ErrTrackFailed, err)
	}
	c.drainRTCP(sender)

	capturer, err := c.eng.capturers(cc)
	if err != nil {
		closeEncoder(enc)
		return fmt.Errorf("%w: capturer: %w", engine.ErrTrackFailed, err)
	}

	var last time.Duration
	emit := func(f *frame.VideoFrame) {
		if enc != nil {
			c.writeEncoded(enc, track, f, f.Timestamp-last)
			last = f.Timestamp
		}
		c.emitLocal(f)
	}
	if err := capturer.Start(c.ctx, emit); err != nil {
		closeEncoder(enc)
		return fmt.Errorf("%w: capturer: %w", engine.ErrTrackFailed, err)
	}

	c.tracksMu.Lock()
	if c.closed.Load() {
		// Close ran after the first check and will not see this track.
		c.tracksMu.Unlock()
		capturer.Stop()
		closeEncoder(enc)
		return engine.ErrClosed
	}
	c.capturers = append(c.capturers, capturer)
	if enc != nil {
		c.encoders = append(c.encoders, enc)
	}
	c.tracksMu.Unlock()
	return nil
}

// writeEncoded runs on the capturer goroutine, before the frame is handed
// to the receiver.
func (c *connection) writeEncoded(enc Encoder, track *webrtc.TrackLocalStaticSample, f *frame.VideoFrame, d time.Duration) {
	data, err := enc.Encode(f)
	if err != nil {
		c.emitError(fmt.Errorf("pionengine: encode: %w", err))
		return
	}
	if len(data) == 0 {
		return
	}
	if err := track.WriteSample(media.Sample{Data: data, Duration: d}); err != nil {
		if !errors.Is(err, io.ErrClosedPipe) {
			c.logger.Debug("write video sample", "error", err)
		}
		return
	}
	c.countFrame(track.ID())
}

func closeEncoder(enc Encoder) {
	if enc != nil {
		enc.Close()
	}
}

// spawn runs fn on a goroutine that Close waits for. It returns false
// without running fn once Close has started.
func (c *connection) spawn(fn func()) bool {
	c.tracksMu.Lock()
	defer c.tracksMu.Unlock()
	if c.closed.Load() {
		return false
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		fn()
	}()
	return true
}

// drainRTCP reads RTCP for sender so interceptors keep running.
func (c *connection) drainRTCP(sender *webrtc.RTPSender) {
	c.spawn(func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	})
}

func (c *connection) onTrack(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
	if c.closed.Load() {
		return
	}
	codec := track.Codec()
	c.logger.Info("remote track", "kind", track.Kind().String(), "codec", codec.MimeType)

	c.spawn(func() {
		if track.Kind() != webrtc.RTPCodecTypeVideo {
			c.discard(track)
			return
		}
		c.readVideo(track, codec)
	})
}

func (c *connection) discard(track *webrtc.TrackRemote) {
	for {
		if _, _, err := track.ReadRTP(); err != nil {
			return
		}
	}
}

func (c *connection) readVideo(track *webrtc.TrackRemote, codec webrtc.RTPCodecParameters) {
	depacketizer, err := depacketizerFor(codec.MimeType)
	if err != nil {
		c.emitError(fmt.Errorf("pionengine: %w", err))
		c.discard(track)
		return
	}
	dec, err := c.eng.decoders(codec)
	if err != nil {
		c.emitError(fmt.Errorf("pionengine: decoder for %s: %w", codec.MimeType, err))
		c.discard(track)
		return
	}

	clockRate := codec.ClockRate
	if clockRate == 0 {
		clockRate = 90000
	}
	sb := samplebuilder.New(maxLate, depacketizer, clockRate)

	var first uint32
	started := false
	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			if !c.closed.Load() && !errors.Is(err, io.EOF) {
				c.emitError(fmt.Errorf("pionengine: read rtp: %w", err))
			}
			return
		}
		sb.Push(pkt)

		for s := sb.Pop(); s != nil; s = sb.Pop() {
			f, err := dec.Decode(s)
			if err != nil {
				c.emitError(fmt.Errorf("pionengine: decode: %w", err))
				continue
			}
			if f == nil {
				continue
			}
			if !started {
				first, started = s.PacketTimestamp, true
			}
			f.PTS = s.PacketTimestamp
			f.Timestamp = time.Duration(uint64(s.PacketTimestamp-first) * uint64(time.Second) / uint64(clockRate))
			c.emitRemote(f)
			c.countFrame(track.ID())
		}
	}
}

// Close stops capture, closes the peer connection and waits for the reader
// goroutines to exit. No callback runs after Close returns.
func (c *connection) Close() error {
	c.tracksMu.Lock()
	if c.closed.Load() {
		c.tracksMu.Unlock()
		return nil
	}
	c.closed.Store(true)
	capturers, encoders := c.capturers, c.encoders
	c.capturers, c.encoders = nil, nil
	c.tracksMu.Unlock()

	c.cancel()

	for _, cp := range capturers {
		cp.Stop()
	}
	err := c.pc.Close()
	c.wg.Wait()
	for _, enc := range encoders {
		enc.Close()
	}
	return err
}

func (c *connection) CreateOffer(ctx context.Context) (engine.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return engine.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return engine.SessionDescription{}, fmt.Errorf("pionengine: create offer: %w", err)
	}
	return engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: offer.SDP}, nil
}

func (c *connection) CreateAnswer(ctx context.Context) (engine.SessionDescription, error) {
	if err := ctx.Err(); err != nil {
		return engine.SessionDescription{}, err
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return engine.SessionDescription{}, fmt.Errorf("pionengine: create answer: %w", err)
	}
	return engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: answer.SDP}, nil
}

func (c *connection) SetLocalDescription(desc engine.SessionDescription) error {
	return c.pc.SetLocalDescription(toPion(desc))
}

func (c *connection) SetRemoteDescription(desc engine.SessionDescription) error {
	return c.pc.SetRemoteDescription(toPion(desc))
}

func (c *connection) AddICECandidate(cand engine.ICECandidate) error {
	mid := cand.SDPMid
	idx := cand.SDPMLineIndex
	return c.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

func (c *connection) OnICECandidate(fn func(*engine.ICECandidate)) {
	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if fn == nil {
			return
		}
		if cand == nil {
			fn(nil)
			return
		}
		init := cand.ToJSON()
		out := &engine.ICECandidate{Candidate: init.Candidate}
		if init.SDPMid != nil {
			out.SDPMid = *init.SDPMid
		}
		if init.SDPMLineIndex != nil {
			out.SDPMLineIndex = *init.SDPMLineIndex
		}
		fn(out)
	})
}

func toPion(desc engine.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{
		Type: webrtc.NewSDPType(desc.Type.String()),
		SDP:  desc.SDP,
	}
}
