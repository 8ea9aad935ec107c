package ffi

import (
	"errors"
	"fmt"
	"log/slog"
	"runtime"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/ebitengine/purego"

	"github.com/thesyncim/peerbridge/pkg/frame"
)

var callbackLogger atomic.Pointer[slog.Logger]

// SetLogger sets the logger used to report panics recovered in callbacks.
func SetLogger(l *slog.Logger) {
	callbackLogger.Store(l)
}

// safeCallback keeps a panic in Go code from unwinding through native
// frames.
func safeCallback(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l := callbackLogger.Load()
			if l == nil {
				l = slog.Default()
			}
			l.Error("panic recovered in native callback", "callback", name, "panic", r)
		}
	}()
	fn()
}

// registry hands out non-zero ids for values passed to native code as
// user_data.
type registry[T any] struct {
	mu   sync.RWMutex
	next uintptr
	m    map[uintptr]T
}

func (r *registry[T]) add(v T) uintptr {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[uintptr]T)
	}
	r.next++
	r.m[r.next] = v
	return r.next
}

func (r *registry[T]) get(id uintptr) (T, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.m[id]
	return v, ok
}

func (r *registry[T]) take(id uintptr) (T, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	v, ok := r.m[id]
	delete(r.m, id)
	return v, ok
}

func (r *registry[T]) remove(id uintptr) {
	r.mu.Lock()
	delete(r.m, id)
	r.mu.Unlock()
}

// PeerCallbacks receives events for one peer connection. Any field may be
// nil. Callbacks run on native threads.
type PeerCallbacks struct {
	Connected       func()
	LocalSDP        func(typ SdpType, sdp string)
	ICECandidate    func(mid, candidate string, mlineIndex int)
	ICEStateChanged func(state IceConnectionState)
	VideoTrackAdded func(track uintptr, name string)
}

// VideoFrameFunc receives frames already copied into Go memory.
type VideoFrameFunc func(f *frame.VideoFrame)

var (
	peers      registry[*PeerCallbacks]
	frameSinks registry[VideoFrameFunc]
	applied    registry[func(error)]

	trampolinesOnce sync.Once
	connectedCb     uintptr
	localSdpCb      uintptr
	iceCandidateCb  uintptr
	iceStateCb      uintptr
	videoTrackCb    uintptr
	videoFrameCb    uintptr
	remoteAppliedCb uintptr
	statsReadyCb    uintptr
	statsObjectCb   uintptr
)

// initTrampolines creates the native-callable entry points once. purego
// callbacks are never freed, so they are shared by every connection.
//
//go:nocheckptr
func initTrampolines() {
	trampolinesOnce.Do(func() {
		connectedCb = purego.NewCallback(func(user uintptr) {
			if cb, ok := peers.get(user); ok && cb.Connected != nil {
				safeCallback("connected", cb.Connected)
			}
		})
		localSdpCb = purego.NewCallback(func(user uintptr, typ int32, sdp uintptr) {
			if cb, ok := peers.get(user); ok && cb.LocalSDP != nil {
				s := goString(sdp)
				safeCallback("local-sdp", func() { cb.LocalSDP(SdpType(typ), s) })
			}
		})
		iceCandidateCb = purego.NewCallback(func(user uintptr, cand uintptr) {
			cb, ok := peers.get(user)
			if !ok || cb.ICECandidate == nil || cand == 0 {
				return
			}
			c := (*iceCandidate)(unsafe.Pointer(cand))
			mid := goString(uintptr(unsafe.Pointer(c.SdpMid)))
			content := goString(uintptr(unsafe.Pointer(c.Content)))
			idx := int(c.SdpMlineIndex)
			safeCallback("ice-candidate", func() { cb.ICECandidate(mid, content, idx) })
		})
		iceStateCb = purego.NewCallback(func(user uintptr, state int32) {
			if cb, ok := peers.get(user); ok && cb.ICEStateChanged != nil {
				safeCallback("ice-state", func() { cb.ICEStateChanged(IceConnectionState(state)) })
			}
		})
		videoTrackCb = purego.NewCallback(func(user uintptr, info uintptr) {
			cb, ok := peers.get(user)
			if !ok || cb.VideoTrackAdded == nil || info == 0 {
				return
			}
			ti := (*remoteVideoTrackAddedInfo)(unsafe.Pointer(info))
			track := ti.TrackHandle
			name := goString(uintptr(unsafe.Pointer(ti.TrackName)))
			safeCallback("video-track-added", func() { cb.VideoTrackAdded(track, name) })
		})
		videoFrameCb = purego.NewCallback(func(user uintptr, fr uintptr) {
			fn, ok := frameSinks.get(user)
			if !ok || fn == nil {
				return
			}
			f := CopyFrame((*I420AFrame)(unsafe.Pointer(fr)))
			if f == nil {
				return
			}
			safeCallback("video-frame", func() { fn(f) })
		})
		remoteAppliedCb = purego.NewCallback(func(user uintptr, result uint32, msg uintptr) {
			done, ok := applied.take(user)
			if !ok {
				return
			}
			err := Result(result).Err()
			if err != nil {
				if m := goString(msg); m != "" {
					err = fmt.Errorf("%w: %s", err, m)
				}
			}
			safeCallback("remote-description-applied", func() { done(err) })
		})
		statsReadyCb = purego.NewCallback(func(user uintptr, report uintptr) {
			defer mrsStatsReportRemoveRef(report)
			done, ok := statsRequests.take(user)
			if !ok {
				return
			}
			s := readReport(report)
			safeCallback("stats", func() { done(s) })
		})
		statsObjectCb = purego.NewCallback(func(user uintptr, obj uintptr) {
			if visit, ok := statsVisitors.get(user); ok && obj != 0 {
				safeCallback("stats-object", func() { visit(obj) })
			}
		})
	})
}

// VideoDeviceConfig selects and configures a capture device. Zero values
// let the library choose.
type VideoDeviceConfig struct {
	DeviceID  string
	Width     uint32
	Height    uint32
	FrameRate float64
	EnableMRC bool
}

// PeerConnection owns a native peer connection handle and the local tracks
// attached to it.
type PeerConnection struct {
	mu           sync.Mutex
	handle       uintptr
	id           uintptr
	localTracks  []uintptr
	localVideo   []uintptr
	localSinks   []uintptr
	remoteTracks []uintptr
	remoteSinks  []uintptr
	closed       bool
}

// ErrPeerClosed is returned by methods called after Close.
var ErrPeerClosed = errors.New("ffi: peer connection closed")

// NewPeerConnection creates a peer connection. encodedICEServers uses the
// newline format produced by ice.EncodeList.
func NewPeerConnection(encodedICEServers string, cb *PeerCallbacks) (*PeerConnection, error) {
	if !IsLoaded() {
		return nil, ErrLibraryNotLoaded
	}
	if cb == nil {
		cb = &PeerCallbacks{}
	}
	initTrampolines()

	servers := cString(encodedICEServers)
	var pin runtime.Pinner
	pin.Pin(&servers[0])
	defer pin.Unpin()

	config := peerConnectionConfiguration{
		EncodedICEServers: &servers[0],
		ICETransportType:  iceTransportAll,
		BundlePolicy:      bundleBalanced,
		SdpSemantic:       sdpUnifiedPlan,
	}
	var handle uintptr
	if err := Result(mrsPeerConnectionCreate(&config, &handle)).Err(); err != nil {
		return nil, fmt.Errorf("ffi: create peer connection: %w", err)
	}

	p := &PeerConnection{handle: handle, id: peers.add(cb)}
	mrsPeerConnectionRegisterConnectedCallback(handle, connectedCb, p.id)
	mrsPeerConnectionRegisterLocalSdpReadytoSendCallback(handle, localSdpCb, p.id)
	mrsPeerConnectionRegisterIceCandidateReadytoSendCallback(handle, iceCandidateCb, p.id)
	mrsPeerConnectionRegisterIceStateChangedCallback(handle, iceStateCb, p.id)
	mrsPeerConnectionRegisterVideoTrackAddedCallback(handle, videoTrackCb, p.id)
	return p, nil
}

func (p *PeerConnection) live() (uintptr, error) {
	if p.closed {
		return 0, ErrPeerClosed
	}
	return p.handle, nil
}

// CreateOffer starts offer creation. The result arrives through LocalSDP.
func (p *PeerConnection) CreateOffer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}
	return Result(mrsPeerConnectionCreateOffer(h)).Err()
}

// CreateAnswer starts answer creation. The result arrives through LocalSDP.
func (p *PeerConnection) CreateAnswer() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}
	return Result(mrsPeerConnectionCreateAnswer(h)).Err()
}

// SetRemoteDescription applies a remote description. done is called once
// the library has applied it, unless the call itself fails.
func (p *PeerConnection) SetRemoteDescription(typ SdpType, sdp string, done func(error)) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}
	if done == nil {
		done = func(error) {}
	}
	initTrampolines()
	id := applied.add(done)
	if err := Result(mrsPeerConnectionSetRemoteDescriptionAsync(h, int32(typ), sdp, remoteAppliedCb, id)).Err(); err != nil {
		applied.remove(id)
		return err
	}
	return nil
}

// AddICECandidate adds a remote candidate.
func (p *PeerConnection) AddICECandidate(mid, candidate string, mlineIndex int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}

	midBuf, contentBuf := cString(mid), cString(candidate)
	var pin runtime.Pinner
	pin.Pin(&midBuf[0])
	pin.Pin(&contentBuf[0])
	defer pin.Unpin()

	c := iceCandidate{SdpMid: &midBuf[0], Content: &contentBuf[0], SdpMlineIndex: int32(mlineIndex)}
	return Result(mrsPeerConnectionAddIceCandidate(h, &c)).Err()
}

// AddLocalAudioTrack opens the default microphone and attaches it to a new
// send/receive transceiver.
func (p *PeerConnection) AddLocalAudioTrack(name string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}

	var track uintptr
	if err := Result(mrsLocalAudioTrackCreateFromDevice(0, name, &track)).Err(); err != nil {
		return fmt.Errorf("ffi: create audio track: %w", err)
	}
	transceiver, err := addTransceiver(h, name, mediaKindAudio)
	if err != nil {
		mrsRefCountedObjectRemoveRef(track)
		return err
	}
	if err := Result(mrsTransceiverSetLocalAudioTrack(transceiver, track)).Err(); err != nil {
		mrsRefCountedObjectRemoveRef(track)
		return fmt.Errorf("ffi: attach audio track: %w", err)
	}
	p.localTracks = append(p.localTracks, track)
	return nil
}

// AddLocalVideoTrack opens a capture device, attaches it to a new
// send/receive transceiver and delivers captured frames to onFrame.
func (p *PeerConnection) AddLocalVideoTrack(name string, cfg VideoDeviceConfig, onFrame VideoFrameFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	h, err := p.live()
	if err != nil {
		return err
	}

	deviceID := cString(cfg.DeviceID)
	var pin runtime.Pinner
	pin.Pin(&deviceID[0])
	defer pin.Unpin()

	dc := localVideoDeviceInitConfig{
		Width:     cfg.Width,
		Height:    cfg.Height,
		Framerate: cfg.FrameRate,
	}
	if cfg.DeviceID != "" {
		dc.VideoDeviceID = &deviceID[0]
	}
	if cfg.EnableMRC {
		dc.EnableMRC = 1
		dc.EnableMRCRecordingIndicator = 1
	}

	var track uintptr
	if err := Result(mrsLocalVideoTrackCreateFromDevice(&dc, name, &track)).Err(); err != nil {
		return fmt.Errorf("ffi: create video track: %w", err)
	}
	transceiver, err := addTransceiver(h, name, mediaKindVideo)
	if err != nil {
		mrsRefCountedObjectRemoveRef(track)
		return err
	}
	if err := Result(mrsTransceiverSetLocalVideoTrack(transceiver, track)).Err(); err != nil {
		mrsRefCountedObjectRemoveRef(track)
		return fmt.Errorf("ffi: attach video track: %w", err)
	}

	if onFrame != nil {
		initTrampolines()
		sink := frameSinks.add(onFrame)
		mrsLocalVideoTrackRegisterI420AFrameCallback(track, videoFrameCb, sink)
		p.localSinks = append(p.localSinks, sink)
	}
	p.localTracks = append(p.localTracks, track)
	p.localVideo = append(p.localVideo, track)
	return nil
}

// SetRemoteVideoSink delivers frames of a remote track reported by
// VideoTrackAdded to fn.
func (p *PeerConnection) SetRemoteVideoSink(track uintptr, fn VideoFrameFunc) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, err := p.live(); err != nil {
		return err
	}
	initTrampolines()
	sink := frameSinks.add(fn)
	mrsRemoteVideoTrackRegisterI420AFrameCallback(track, videoFrameCb, sink)
	p.remoteTracks = append(p.remoteTracks, track)
	p.remoteSinks = append(p.remoteSinks, sink)
	return nil
}

// Close detaches every callback, closes the connection and releases the
// local tracks. Callbacks already running may still complete.
func (p *PeerConnection) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil
	}
	p.closed = true

	h := p.handle
	mrsPeerConnectionRegisterConnectedCallback(h, 0, 0)
	mrsPeerConnectionRegisterLocalSdpReadytoSendCallback(h, 0, 0)
	mrsPeerConnectionRegisterIceCandidateReadytoSendCallback(h, 0, 0)
	mrsPeerConnectionRegisterIceStateChangedCallback(h, 0, 0)
	mrsPeerConnectionRegisterVideoTrackAddedCallback(h, 0, 0)
	peers.remove(p.id)

	for _, t := range p.remoteTracks {
		mrsRemoteVideoTrackRegisterI420AFrameCallback(t, 0, 0)
	}
	for _, t := range p.localVideo {
		mrsLocalVideoTrackRegisterI420AFrameCallback(t, 0, 0)
	}
	for _, s := range append(p.localSinks, p.remoteSinks...) {
		frameSinks.remove(s)
	}

	err := Result(mrsPeerConnectionClose(h)).Err()
	for _, t := range p.localTracks {
		mrsRefCountedObjectRemoveRef(t)
	}
	mrsRefCountedObjectRemoveRef(h)
	p.localTracks, p.localVideo, p.localSinks = nil, nil, nil
	p.remoteTracks, p.remoteSinks = nil, nil
	return err
}

func addTransceiver(peer uintptr, name string, kind int32) (uintptr, error) {
	nameBuf := cString(name)
	var pin runtime.Pinner
	pin.Pin(&nameBuf[0])
	defer pin.Unpin()

	cfg := transceiverInitConfig{
		Name:             &nameBuf[0],
		MediaKind:        kind,
		DesiredDirection: directionSendRecv,
	}
	var transceiver uintptr
	if err := Result(mrsPeerConnectionAddTransceiver(peer, &cfg, &transceiver)).Err(); err != nil {
		return 0, fmt.Errorf("ffi: add transceiver: %w", err)
	}
	return transceiver, nil
}
