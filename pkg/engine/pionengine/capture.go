package pionengine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/frame"
)

// Capturer produces local video frames on its own goroutine.
type Capturer interface {
	// Start begins capturing and returns immediately. emit receives frames
	// the capturer no longer touches.
	Start(ctx context.Context, emit func(*frame.VideoFrame)) error
	// Stop ends capture and waits for the capture goroutine to exit.
	Stop() error
}

// CapturerFactory opens a capturer for cc.
type CapturerFactory func(cc engine.CaptureConfig) (Capturer, error)

// Default capture parameters.
const (
	DefaultWidth     = 640
	DefaultHeight    = 480
	DefaultFrameRate = 30
)

var errCapturerRunning = errors.New("capturer already running")

// PatternCapturer generates a moving-box test pattern in I420.
type PatternCapturer struct {
	width, height int
	interval      time.Duration

	running atomic.Bool
	cancel  context.CancelFunc
	done    chan struct{}
	mu      sync.Mutex
}

// NewPatternCapturer is the default CapturerFactory. The device id is
// ignored.
func NewPatternCapturer(cc engine.CaptureConfig) (Capturer, error) {
	w, h, fps := cc.Width, cc.Height, cc.FrameRate
	if w <= 0 {
		w = DefaultWidth
	}
	if h <= 0 {
		h = DefaultHeight
	}
	if fps <= 0 {
		fps = DefaultFrameRate
	}
	return &PatternCapturer{
		width:    w,
		height:   h,
		interval: time.Duration(float64(time.Second) / fps),
	}, nil
}

func (p *PatternCapturer) Start(ctx context.Context, emit func(*frame.VideoFrame)) error {
	if !p.running.CompareAndSwap(false, true) {
		return errCapturerRunning
	}
	ctx, cancel := context.WithCancel(ctx)

	p.mu.Lock()
	p.cancel = cancel
	p.done = make(chan struct{})
	done := p.done
	p.mu.Unlock()

	go p.loop(ctx, done, emit)
	return nil
}

func (p *PatternCapturer) Stop() error {
	if !p.running.CompareAndSwap(true, false) {
		return nil
	}
	p.mu.Lock()
	cancel, done := p.cancel, p.done
	p.mu.Unlock()

	cancel()
	<-done
	return nil
}

func (p *PatternCapturer) loop(ctx context.Context, done chan struct{}, emit func(*frame.VideoFrame)) {
	defer close(done)

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	start := time.Now()
	var n int
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			f := p.render(n)
			f.Timestamp = time.Since(start)
			n++
			emit(f)
		}
	}
}

// render draws a 64px box sliding across a gray background. Each call
// allocates a fresh frame because ownership moves to the receiver.
func (p *PatternCapturer) render(n int) *frame.VideoFrame {
	f := frame.NewI420Frame(p.width, p.height)
	y, u, v := f.Data[0], f.Data[1], f.Data[2]

	for i := range y {
		y[i] = 64
	}
	for i := range u {
		u[i] = 128
		v[i] = 128
	}

	const box = 64
	span := p.width - box
	if span < 1 {
		span = 1
	}
	bx := (n * 4) % span
	by := (p.height - box) / 2
	for row := max(by, 0); row < min(by+box, p.height); row++ {
		for col := bx; col < min(bx+box, p.width); col++ {
			y[row*f.Stride[0]+col] = 235
		}
	}
	return f
}
