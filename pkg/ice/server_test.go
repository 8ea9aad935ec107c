package ice

import (
	"errors"
	"testing"
)

func TestParseServer(t *testing.T) {
	tests := []struct {
		in      string
		kind    Kind
		uri     string
		url     string
		wantErr bool
	}{
		{in: "stun:stun.l.google.com:19302", kind: KindStun, uri: "stun.l.google.com:19302", url: "stun:stun.l.google.com:19302"},
		{in: "turn:turn.example.com:3478?transport=udp", kind: KindTurn, uri: "turn.example.com:3478?transport=udp", url: "turn:turn.example.com:3478?transport=udp"},
		{in: "TURNS:relay.example.com:5349", kind: KindTurn, uri: "relay.example.com:5349", url: "turns:relay.example.com:5349"},
		{in: "  stun:host  ", kind: KindStun, uri: "host", url: "stun:host"},
		{in: "stun:[::1]:3478", kind: KindStun, uri: "[::1]:3478", url: "stun:[::1]:3478"},
		{in: "http://example.com", wantErr: true},
		{in: "stun.example.com", wantErr: true},
		{in: "stun:", wantErr: true},
		{in: "turn:bad host", wantErr: true},
		{in: "stun:host:notaport", wantErr: true},
		{in: "stun:host:3478?transport=udp", wantErr: true},
		{in: "turn:a:b:c:d?transport=bogus", wantErr: true},
		{in: "turn:relay.example.com:3478?transport=bogus", wantErr: true},
		{in: "stun::::", wantErr: true},
		{in: "stun::3478", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			srv, err := ParseServer(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidServer) {
					t.Fatalf("ParseServer(%q) err = %v, want ErrInvalidServer", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseServer(%q): %v", tt.in, err)
			}
			if srv.Kind != tt.kind || srv.URI != tt.uri {
				t.Errorf("got %v %q, want %v %q", srv.Kind, srv.URI, tt.kind, tt.uri)
			}
			if srv.URL() != tt.url {
				t.Errorf("URL() = %q, want %q", srv.URL(), tt.url)
			}
		})
	}
}

func TestParseServers_SkipsBlank(t *testing.T) {
	servers, err := ParseServers([]string{"stun:a", "", " ", "turn:b"})
	if err != nil {
		t.Fatalf("ParseServers: %v", err)
	}
	if len(servers) != 2 {
		t.Fatalf("len = %d, want 2", len(servers))
	}

	if _, err := ParseServers([]string{"stun:a", "ftp:b"}); err == nil {
		t.Error("expected error for unsupported scheme")
	}
}

func TestValidateAll(t *testing.T) {
	if err := ValidateAll(nil); err != nil {
		t.Errorf("empty list: %v", err)
	}
	if err := ValidateAll([]Server{Stun("a"), Turn("b")}); err != nil {
		t.Errorf("valid list: %v", err)
	}

	bad := []Server{
		{Kind: Kind(9), URI: "x"},
		{Kind: KindStun, URI: "x", Secure: true},
		{Kind: KindTurn, URI: "x", Username: "a\nb"},
		{Kind: KindTurn, URI: "x:99999999999999999999"},
		{Kind: KindStun, URI: "x:1:2"},
	}
	for _, s := range bad {
		if err := ValidateAll([]Server{Stun("ok"), s}); !errors.Is(err, ErrInvalidServer) {
			t.Errorf("ValidateAll(%+v) = %v, want ErrInvalidServer", s, err)
		}
	}
}

func TestCredentials(t *testing.T) {
	user, pass := Stun("a").Credentials("u", "p")
	if user != "" || pass != "" {
		t.Errorf("stun credentials = %q/%q, want empty", user, pass)
	}

	user, pass = Turn("a").Credentials("u", "p")
	if user != "u" || pass != "p" {
		t.Errorf("turn fallback credentials = %q/%q", user, pass)
	}

	srv := Turn("a")
	srv.Username, srv.Credential = "own", "secret"
	user, pass = srv.Credentials("u", "p")
	if user != "own" || pass != "secret" {
		t.Errorf("turn own credentials = %q/%q", user, pass)
	}
}

func TestEncodeList(t *testing.T) {
	tests := []struct {
		name    string
		servers []Server
		want    string
	}{
		{"empty", nil, ""},
		{"stun only", []Server{Stun("stun.example.com:19302")}, "stun:stun.example.com:19302"},
		{
			"stun and turn",
			[]Server{Stun("s.example.com"), Turn("t.example.com:3478")},
			"stun:s.example.com\n\nturn:t.example.com:3478\nusername:alice\npassword:pw",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := EncodeList(tt.servers, "alice", "pw"); got != tt.want {
				t.Errorf("EncodeList() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestEncodeList_NoCredentials(t *testing.T) {
	got := EncodeList([]Server{Turn("t")}, "", "")
	if got != "turn:t" {
		t.Errorf("EncodeList() = %q, want %q", got, "turn:t")
	}
}

func TestKind_String(t *testing.T) {
	if KindStun.String() != "stun" || KindTurn.String() != "turn" || Kind(5).String() != "unknown" {
		t.Error("unexpected Kind.String() values")
	}
}
