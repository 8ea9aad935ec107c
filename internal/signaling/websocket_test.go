package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thesyncim/peerbridge/internal/testutil"
	"github.com/thesyncim/peerbridge/pkg/engine"
)

const waitTimeout = 2 * time.Second

const testOffer = "v=0\r\n" +
	"o=- 1 1 IN IP4 127.0.0.1\r\n" +
	"s=-\r\n" +
	"t=0 0\r\n" +
	"m=video 9 UDP/TLS/RTP/SAVPF 96 102\r\n" +
	"c=IN IP4 0.0.0.0\r\n" +
	"a=mid:0\r\n" +
	"a=rtpmap:96 VP8/90000\r\n" +
	"a=rtpmap:102 H264/90000\r\n"

// fakeConn is an engine.Connection that records negotiation calls.
type fakeConn struct {
	mu       sync.Mutex
	calls    []string
	remote   []engine.SessionDescription
	cands    []engine.ICECandidate
	onCand   func(*engine.ICECandidate)
	offerSDP string
}

func (f *fakeConn) record(s string) {
	f.mu.Lock()
	f.calls = append(f.calls, s)
	f.mu.Unlock()
}

func (f *fakeConn) Calls() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func (f *fakeConn) SetCallbacks(engine.Callbacks) {}
func (f *fakeConn) AddLocalAudioTrack(context.Context) error { return nil }
func (f *fakeConn) AddLocalVideoTrack(context.Context, engine.CaptureConfig, bool) error { return nil }
func (f *fakeConn) Close() error { return nil }

func (f *fakeConn) CreateOffer(context.Context) (engine.SessionDescription, error) {
	f.record("create-offer")
	sdp := f.offerSDP
	if sdp == "" {
		sdp = "offer-sdp"
	}
	return engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: sdp}, nil
}

func (f *fakeConn) CreateAnswer(context.Context) (engine.SessionDescription, error) {
	f.record("create-answer")
	return engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: "answer-sdp"}, nil
}

func (f *fakeConn) SetLocalDescription(d engine.SessionDescription) error {
	f.record("set-local-" + d.Type.String())
	return nil
}

func (f *fakeConn) SetRemoteDescription(d engine.SessionDescription) error {
	f.record("set-remote-" + d.Type.String())
	f.mu.Lock()
	f.remote = append(f.remote, d)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) AddICECandidate(c engine.ICECandidate) error {
	f.record("add-candidate")
	f.mu.Lock()
	f.cands = append(f.cands, c)
	f.mu.Unlock()
	return nil
}

func (f *fakeConn) OnICECandidate(fn func(*engine.ICECandidate)) {
	f.mu.Lock()
	f.onCand = fn
	f.mu.Unlock()
}

func (f *fakeConn) emitCandidate(c *engine.ICECandidate) bool {
	f.mu.Lock()
	fn := f.onCand
	f.mu.Unlock()
	if fn == nil {
		return false
	}
	fn(c)
	return true
}

// plainConn does not implement engine.Negotiator.
type plainConn struct{}

func (plainConn) SetCallbacks(engine.Callbacks) {}
func (plainConn) AddLocalAudioTrack(context.Context) error { return nil }
func (plainConn) AddLocalVideoTrack(context.Context, engine.CaptureConfig, bool) error { return nil }
func (plainConn) Close() error { return nil }

// relay is the remote end of a signaling session.
type relay struct {
	srv   *httptest.Server
	conns chan *websocket.Conn
}

func newRelay(t *testing.T) *relay {
	t.Helper()
	r := &relay{conns: make(chan *websocket.Conn, 4)}
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		c, err := upgrader.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- c
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *relay) URL() string {
	return "ws" + strings.TrimPrefix(r.srv.URL, "http")
}

func (r *relay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		t.Cleanup(func() { c.Close() })
		return c
	case <-time.After(waitTimeout):
		t.Fatal("no signaling connection")
		return nil
	}
}

func readMsg(t *testing.T, c *websocket.Conn) Message {
	t.Helper()
	c.SetReadDeadline(time.Now().Add(waitTimeout))
	var m Message
	if err := c.ReadJSON(&m); err != nil {
		t.Fatalf("read: %v", err)
	}
	return m
}

func writeMsg(t *testing.T, c *websocket.Conn, m Message) {
	t.Helper()
	if err := c.WriteJSON(m); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestNew_Validation(t *testing.T) {
	tests := []struct {
		name    string
		cfg     Config
		wantErr bool
	}{
		{"offerer", Config{URL: "ws://x", Role: RoleOfferer}, false},
		{"default role", Config{URL: "ws://x"}, false},
		{"answerer with codec", Config{URL: "ws://x", Role: RoleAnswerer, VideoCodec: "H264"}, false},
		{"bad role", Config{URL: "ws://x", Role: "observer"}, true},
		{"empty url", Config{Role: RoleOfferer}, true},
		{"bad codec", Config{URL: "ws://x", VideoCodec: "VP8 H264"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.cfg)
			if (err != nil) != tt.wantErr {
				t.Errorf("New() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
	if _, err := New(Config{URL: "ws://x", Role: "observer"}); !errors.Is(err, ErrInvalidRole) {
		t.Errorf("New() = %v, want ErrInvalidRole", err)
	}
}

func TestOfferer(t *testing.T) {
	r := newRelay(t)
	ws, err := New(Config{URL: r.URL(), Role: RoleOfferer, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	ws.OnPeerInitialized(conn)
	defer ws.OnPeerUninitializing(conn)

	remote := r.accept(t)
	offer := readMsg(t, remote)
	if offer.Type != TypeOffer || offer.SDP != "offer-sdp" {
		t.Fatalf("offer = %+v", offer)
	}

	writeMsg(t, remote, Message{Type: TypeAnswer, SDP: "answer-sdp"})
	writeMsg(t, remote, Message{Type: TypeICE, Candidate: "candidate:1", SDPMid: "0", SDPMLineIndex: 0})
	eventually(t, func() bool { return len(conn.Calls()) == 4 }, "answer and candidate not applied")

	want := []string{"create-offer", "set-local-offer", "set-remote-answer", "add-candidate"}
	for i, c := range conn.Calls() {
		if c != want[i] {
			t.Fatalf("calls = %v, want %v", conn.Calls(), want)
		}
	}

	if !conn.emitCandidate(&engine.ICECandidate{Candidate: "candidate:2", SDPMid: "0", SDPMLineIndex: 1}) {
		t.Fatal("candidate handler not installed")
	}
	cand := readMsg(t, remote)
	if cand.Type != TypeICE || cand.Candidate != "candidate:2" || cand.SDPMLineIndex != 1 {
		t.Errorf("candidate = %+v", cand)
	}
	// End of gathering is not forwarded.
	conn.emitCandidate(nil)
}

func TestOfferer_ForcesVideoCodec(t *testing.T) {
	r := newRelay(t)
	ws, err := New(Config{URL: r.URL(), Role: RoleOfferer, VideoCodec: "H264", Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{offerSDP: testOffer}
	ws.OnPeerInitialized(conn)
	defer ws.OnPeerUninitializing(conn)

	offer := readMsg(t, r.accept(t))
	if strings.Contains(offer.SDP, "VP8") {
		t.Errorf("offer still advertises VP8:\n%s", offer.SDP)
	}
	if !strings.Contains(offer.SDP, "m=video 9 UDP/TLS/RTP/SAVPF 102") {
		t.Errorf("offer video formats not filtered:\n%s", offer.SDP)
	}
}

func TestAnswerer_BuffersEarlyCandidates(t *testing.T) {
	r := newRelay(t)
	ws, err := New(Config{URL: r.URL(), Role: RoleAnswerer, Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	ws.OnPeerInitialized(conn)
	defer ws.OnPeerUninitializing(conn)

	remote := r.accept(t)
	writeMsg(t, remote, Message{Type: TypeICE, Candidate: "candidate:early"})
	writeMsg(t, remote, Message{Type: "bye"})
	writeMsg(t, remote, Message{Type: TypeOffer, SDP: "offer-sdp"})

	answer := readMsg(t, remote)
	if answer.Type != TypeAnswer || answer.SDP != "answer-sdp" {
		t.Fatalf("answer = %+v", answer)
	}

	want := []string{"set-remote-offer", "add-candidate", "create-answer", "set-local-answer"}
	got := conn.Calls()
	if len(got) != len(want) {
		t.Fatalf("calls = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("calls = %v, want %v", got, want)
		}
	}
}

func TestNonNegotiatorStaysIdle(t *testing.T) {
	r := newRelay(t)
	ws, err := New(Config{URL: r.URL(), Logger: testutil.Logger(t)})
	if err != nil {
		t.Fatal(err)
	}
	ws.OnPeerInitialized(plainConn{})
	ws.OnPeerUninitializing(plainConn{})

	select {
	case <-r.conns:
		t.Error("signaler dialed for a connection without negotiation")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUninitializingClosesSession(t *testing.T) {
	r := newRelay(t)
	var errs []error
	ws, err := New(Config{URL: r.URL(), Role: RoleAnswerer, Logger: testutil.Logger(t), OnError: func(err error) { errs = append(errs, err) }})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	ws.OnPeerInitialized(conn)
	remote := r.accept(t)

	ws.OnPeerUninitializing(conn)

	remote.SetReadDeadline(time.Now().Add(waitTimeout))
	_, _, err = remote.ReadMessage()
	if !websocket.IsCloseError(err, websocket.CloseNormalClosure) {
		t.Errorf("relay read = %v, want normal closure", err)
	}
	if len(errs) != 0 {
		t.Errorf("errors after orderly close: %v", errs)
	}

	// Second call is a no-op.
	ws.OnPeerUninitializing(conn)
}

func TestDialFailureReported(t *testing.T) {
	r := newRelay(t)
	url := r.URL()
	r.srv.Close()

	errc := make(chan error, 1)
	ws, err := New(Config{URL: url, Logger: testutil.Logger(t), OnError: func(err error) { errc <- err }})
	if err != nil {
		t.Fatal(err)
	}
	conn := &fakeConn{}
	ws.OnPeerInitialized(conn)
	defer ws.OnPeerUninitializing(conn)

	select {
	case err := <-errc:
		if !strings.Contains(err.Error(), "dial") {
			t.Errorf("error = %v, want dial failure", err)
		}
	case <-time.After(waitTimeout):
		t.Fatal("dial failure not reported")
	}
}

func TestMessageJSON(t *testing.T) {
	data, err := json.Marshal(Message{Type: TypeICE, Candidate: "c", SDPMid: "0", SDPMLineIndex: 2})
	if err != nil {
		t.Fatal(err)
	}
	want := `{"type":"ice","candidate":"c","sdpMid":"0","sdpMLineIndex":2}`
	if string(data) != want {
		t.Errorf("json = %s, want %s", data, want)
	}
}
