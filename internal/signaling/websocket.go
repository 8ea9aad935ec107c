// Package signaling exchanges offers, answers and ICE candidates with a
// remote peer over a WebSocket relay.
//
// WebSocket implements peer.Signaler: a session is dialed when a peer
// initializes and closed when it tears down. Connections that do not
// implement engine.Negotiator are left alone.
package signaling

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/thesyncim/peerbridge/pkg/engine"
	"github.com/thesyncim/peerbridge/pkg/sdpfilter"
)

// Role decides which side creates the offer.
type Role string

const (
	RoleOfferer  Role = "offerer"
	RoleAnswerer Role = "answerer"
)

// Message types.
const (
	TypeOffer  = "offer"
	TypeAnswer = "answer"
	TypeICE    = "ice"
)

// Message is the JSON frame exchanged with the relay.
type Message struct {
	Type          string `json:"type"`
	SDP           string `json:"sdp,omitempty"`
	Candidate     string `json:"candidate,omitempty"`
	SDPMid        string `json:"sdpMid,omitempty"`
	SDPMLineIndex uint16 `json:"sdpMLineIndex,omitempty"`
}

var (
	ErrInvalidRole    = errors.New("invalid signaling role")
	ErrUnknownMessage = errors.New("unknown signaling message")
)

const (
	handshakeTimeout = 10 * time.Second
	writeTimeout     = 5 * time.Second
)

// Config configures a WebSocket signaler.
type Config struct {
	URL  string
	Role Role
	// VideoCodec, when set, restricts the offer's video sections to this
	// codec.
	VideoCodec string
	Logger     *slog.Logger
	// OnError receives session failures. It runs on the session goroutine.
	OnError func(error)
}

// WebSocket is a peer.Signaler backed by a WebSocket relay.
type WebSocket struct {
	cfg    Config
	logger *slog.Logger
	dialer websocket.Dialer

	mu       sync.Mutex
	sessions map[engine.Connection]*session
}

// New validates cfg and returns a signaler.
func New(cfg Config) (*WebSocket, error) {
	switch cfg.Role {
	case RoleOfferer, RoleAnswerer:
	case "":
		cfg.Role = RoleOfferer
	default:
		return nil, fmt.Errorf("%w: %q", ErrInvalidRole, cfg.Role)
	}
	if cfg.URL == "" {
		return nil, errors.New("signaling: empty url")
	}
	if cfg.VideoCodec != "" && !sdpfilter.IsValidToken(cfg.VideoCodec) {
		return nil, fmt.Errorf("signaling: video codec: %w", sdpfilter.ErrInvalidToken)
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &WebSocket{
		cfg:      cfg,
		logger:   logger.With("component", "signaling", "role", string(cfg.Role)),
		dialer:   websocket.Dialer{HandshakeTimeout: handshakeTimeout},
		sessions: make(map[engine.Connection]*session),
	}, nil
}

// OnPeerInitialized starts a session for conn. It does not block.
func (w *WebSocket) OnPeerInitialized(conn engine.Connection) {
	neg, ok := conn.(engine.Negotiator)
	if !ok {
		w.logger.Warn("connection does not support negotiation, signaling idle")
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &session{
		ws:     w,
		neg:    neg,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	w.mu.Lock()
	if _, exists := w.sessions[conn]; exists {
		w.mu.Unlock()
		cancel()
		return
	}
	w.sessions[conn] = s
	w.mu.Unlock()

	go s.run()
}

// OnPeerUninitializing closes the session for conn and waits for it to end.
func (w *WebSocket) OnPeerUninitializing(conn engine.Connection) {
	w.mu.Lock()
	s, ok := w.sessions[conn]
	delete(w.sessions, conn)
	w.mu.Unlock()
	if !ok {
		return
	}
	s.close()
	<-s.done
}

func (w *WebSocket) report(err error) {
	w.logger.Error("signaling session failed", "error", err)
	if w.cfg.OnError != nil {
		w.cfg.OnError(err)
	}
}

type session struct {
	ws     *WebSocket
	neg    engine.Negotiator
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	connMu sync.Mutex
	conn   *websocket.Conn

	writeMu sync.Mutex

	// Candidates that arrive before the remote description are held back.
	candMu    sync.Mutex
	remoteSet bool
	pending   []engine.ICECandidate
}

func (s *session) close() {
	s.cancel()
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn != nil {
		s.hangup(conn)
	}
}

// hangup sends a normal closure and closes conn.
func (s *session) hangup(conn *websocket.Conn) {
	s.writeMu.Lock()
	_ = conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(writeTimeout))
	s.writeMu.Unlock()
	conn.Close()
}

func (s *session) run() {
	defer close(s.done)
	logger := s.ws.logger

	conn, _, err := s.ws.dialer.DialContext(s.ctx, s.ws.cfg.URL, nil)
	if err != nil {
		if s.ctx.Err() == nil {
			s.ws.report(fmt.Errorf("signaling: dial %s: %w", s.ws.cfg.URL, err))
		}
		return
	}
	s.connMu.Lock()
	s.conn = conn
	s.connMu.Unlock()
	if s.ctx.Err() != nil {
		s.hangup(conn)
		return
	}
	logger.Info("signaling connected", "url", s.ws.cfg.URL)

	s.neg.OnICECandidate(func(c *engine.ICECandidate) {
		if c == nil {
			return
		}
		if err := s.send(Message{Type: TypeICE, Candidate: c.Candidate, SDPMid: c.SDPMid, SDPMLineIndex: c.SDPMLineIndex}); err != nil {
			logger.Debug("send candidate", "error", err)
		}
	})

	if s.ws.cfg.Role == RoleOfferer {
		if err := s.offer(); err != nil {
			s.fail(err)
			return
		}
	}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if s.ctx.Err() == nil && !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.fail(fmt.Errorf("signaling: read: %w", err))
			}
			return
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			logger.Warn("malformed signaling message", "error", err)
			continue
		}
		if err := s.handle(msg); err != nil {
			s.fail(err)
			return
		}
	}
}

func (s *session) fail(err error) {
	if s.ctx.Err() != nil {
		return
	}
	s.ws.report(err)
}

func (s *session) offer() error {
	offer, err := s.neg.CreateOffer(s.ctx)
	if err != nil {
		return fmt.Errorf("signaling: create offer: %w", err)
	}
	if codec := s.ws.cfg.VideoCodec; codec != "" {
		if offer.SDP, err = sdpfilter.ForceVideoCodec(offer.SDP, codec); err != nil {
			return fmt.Errorf("signaling: force codec %s: %w", codec, err)
		}
	}
	if err := s.neg.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("signaling: set local offer: %w", err)
	}
	return s.send(Message{Type: TypeOffer, SDP: offer.SDP})
}

func (s *session) handle(msg Message) error {
	switch msg.Type {
	case TypeOffer:
		if err := s.setRemote(engine.SessionDescription{Type: engine.SDPTypeOffer, SDP: msg.SDP}); err != nil {
			return err
		}
		answer, err := s.neg.CreateAnswer(s.ctx)
		if err != nil {
			return fmt.Errorf("signaling: create answer: %w", err)
		}
		if err := s.neg.SetLocalDescription(answer); err != nil {
			return fmt.Errorf("signaling: set local answer: %w", err)
		}
		return s.send(Message{Type: TypeAnswer, SDP: answer.SDP})
	case TypeAnswer:
		return s.setRemote(engine.SessionDescription{Type: engine.SDPTypeAnswer, SDP: msg.SDP})
	case TypeICE:
		c := engine.ICECandidate{Candidate: msg.Candidate, SDPMid: msg.SDPMid, SDPMLineIndex: msg.SDPMLineIndex}
		s.candMu.Lock()
		if !s.remoteSet {
			s.pending = append(s.pending, c)
			s.candMu.Unlock()
			return nil
		}
		s.candMu.Unlock()
		if err := s.neg.AddICECandidate(c); err != nil {
			s.ws.logger.Warn("add ice candidate", "error", err)
		}
		return nil
	default:
		s.ws.logger.Warn("ignoring signaling message", "error", fmt.Errorf("%w: %q", ErrUnknownMessage, msg.Type))
		return nil
	}
}

func (s *session) setRemote(desc engine.SessionDescription) error {
	if err := s.neg.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("signaling: set remote %s: %w", desc.Type, err)
	}
	s.candMu.Lock()
	s.remoteSet = true
	pending := s.pending
	s.pending = nil
	s.candMu.Unlock()

	for _, c := range pending {
		if err := s.neg.AddICECandidate(c); err != nil {
			s.ws.logger.Warn("add ice candidate", "error", err)
		}
	}
	return nil
}

func (s *session) send(msg Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	s.connMu.Lock()
	conn := s.conn
	s.connMu.Unlock()
	if conn == nil {
		return errors.New("signaling: not connected")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("signaling: write %s: %w", msg.Type, err)
	}
	return nil
}
