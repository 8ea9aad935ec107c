// Package ice describes the STUN/TURN servers handed to a media engine.
//
// The servers are opaque to peerbridge: they are validated once before a
// connection is created and then serialized for the engine.
package ice

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
)

// ErrInvalidServer is returned for malformed server descriptors.
var ErrInvalidServer = errors.New("invalid ice server")

// Kind is the ICE server type.
type Kind int

const (
	KindStun Kind = iota
	KindTurn
)

func (k Kind) String() string {
	switch k {
	case KindStun:
		return "stun"
	case KindTurn:
		return "turn"
	default:
		return "unknown"
	}
}

// Server is an immutable ICE server descriptor.
type Server struct {
	Kind Kind
	// URI is the host[:port][?transport=...] part, without the scheme.
	URI string
	// Secure selects TURN over TLS ("turns:").
	Secure bool
	// Username and Credential override the connection-wide TURN
	// credentials for this server. Ignored for STUN.
	Username   string
	Credential string
}

// Stun returns a STUN server descriptor.
func Stun(uri string) Server { return Server{Kind: KindStun, URI: uri} }

// Turn returns a TURN server descriptor.
func Turn(uri string) Server { return Server{Kind: KindTurn, URI: uri} }

// ParseServer parses "stun:host:port" or "turn:host:port?transport=udp".
// A "turns:" scheme yields a Secure TURN server.
func ParseServer(s string) (Server, error) {
	s = strings.TrimSpace(s)
	scheme, rest, ok := strings.Cut(s, ":")
	if !ok {
		return Server{}, fmt.Errorf("%w: %q has no scheme", ErrInvalidServer, s)
	}

	var srv Server
	switch strings.ToLower(scheme) {
	case "stun":
		srv = Stun(rest)
	case "turn":
		srv = Turn(rest)
	case "turns":
		srv = Turn(rest)
		srv.Secure = true
	default:
		return Server{}, fmt.Errorf("%w: unsupported scheme %q", ErrInvalidServer, scheme)
	}
	if err := srv.Validate(); err != nil {
		return Server{}, err
	}
	return srv, nil
}

// ParseServers parses a list of server URLs, stopping at the first error.
func ParseServers(urls []string) ([]Server, error) {
	servers := make([]Server, 0, len(urls))
	for _, u := range urls {
		if strings.TrimSpace(u) == "" {
			continue
		}
		srv, err := ParseServer(u)
		if err != nil {
			return nil, err
		}
		servers = append(servers, srv)
	}
	return servers, nil
}

// Validate checks the descriptor. The URL must be a STUN (RFC 7064) or
// TURN (RFC 7065) URI.
func (s Server) Validate() error {
	if s.Kind != KindStun && s.Kind != KindTurn {
		return fmt.Errorf("%w: unknown kind %d", ErrInvalidServer, int(s.Kind))
	}
	if strings.TrimSpace(s.URI) == "" {
		return fmt.Errorf("%w: empty uri", ErrInvalidServer)
	}
	if strings.ContainsAny(s.URI, " \t\r\n") {
		return fmt.Errorf("%w: uri %q contains whitespace", ErrInvalidServer, s.URI)
	}
	if s.Secure && s.Kind != KindTurn {
		return fmt.Errorf("%w: only turn servers can be secure", ErrInvalidServer)
	}
	if _, err := stun.ParseURI(s.URL()); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrInvalidServer, s.URL(), err)
	}
	if strings.Contains(s.Username, "\n") || strings.Contains(s.Credential, "\n") {
		return fmt.Errorf("%w: credentials contain a newline", ErrInvalidServer)
	}
	return nil
}

// URL returns the server as a URL understood by WebRTC stacks.
func (s Server) URL() string {
	if s.Secure {
		return "turns:" + s.URI
	}
	return s.Kind.String() + ":" + s.URI
}

func (s Server) String() string { return s.URL() }

// Credentials returns the username and credential for s, falling back to the
// connection-wide values. STUN servers never carry credentials.
func (s Server) Credentials(username, credential string) (string, string) {
	if s.Kind != KindTurn {
		return "", ""
	}
	if s.Username != "" {
		return s.Username, s.Credential
	}
	return username, credential
}

// ValidateAll validates every server. An empty list is valid.
func ValidateAll(servers []Server) error {
	for i, s := range servers {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("ice server %d: %w", i, err)
		}
	}
	return nil
}

// EncodeList serializes servers into the engine-facing parameter list.
//
// Each server is its URL on one line, followed by "username:<u>" and
// "password:<p>" lines when credentials apply. Servers are separated by a
// blank line. An empty list encodes to "".
func EncodeList(servers []Server, username, credential string) string {
	var b strings.Builder
	for i, s := range servers {
		if i > 0 {
			b.WriteString("\n\n")
		}
		b.WriteString(s.URL())
		user, pass := s.Credentials(username, credential)
		if user != "" {
			b.WriteString("\nusername:")
			b.WriteString(user)
			b.WriteString("\npassword:")
			b.WriteString(pass)
		}
	}
	return b.String()
}
