package bcp

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"
	"time"
)

// pairedSessions runs a full key exchange and returns both ends.
func pairedSessions(t *testing.T) (agent, receiver *Session) {
	t.Helper()

	a, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	r, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}

	agent, err = a.Session(r.Packet(0), RoleAgent)
	if err != nil {
		t.Fatalf("agent handshake: %v", err)
	}
	receiver, err = r.Session(a.Packet(0), RoleReceiver)
	if err != nil {
		t.Fatalf("receiver handshake: %v", err)
	}
	return agent, receiver
}

func TestKeyExchangePacket(t *testing.T) {
	k, err := GenerateKeyPair()
	if err != nil {
		t.Fatal(err)
	}
	pkt := k.Packet(7)

	if len(pkt) != KeyExchangeSize {
		t.Fatalf("packet length = %d, want %d", len(pkt), KeyExchangeSize)
	}
	if pkt[0] != Version || MessageType(pkt[1]) != TypeKeyExchange || pkt[2] != 7 {
		t.Errorf("header = % x", pkt[:4])
	}
	if pkt[4] != 0x04 {
		t.Errorf("public key not uncompressed, first byte 0x%02x", pkt[4])
	}
}

func TestParseKeyExchange_Invalid(t *testing.T) {
	k, _ := GenerateKeyPair()
	good := k.Packet(0)

	tests := []struct {
		name   string
		mutate func([]byte) []byte
	}{
		{"short", func(p []byte) []byte { return p[:20] }},
		{"bad version", func(p []byte) []byte { p[0] = 0x09; return p }},
		{"wrong type", func(p []byte) []byte { p[1] = byte(TypeAlert); return p }},
		{"not on curve", func(p []byte) []byte { p[10] ^= 0xFF; return p }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pkt := tt.mutate(append([]byte(nil), good...))
			if _, err := ParseKeyExchange(pkt); !errors.Is(err, ErrKeyExchange) {
				t.Errorf("ParseKeyExchange() = %v, want ErrKeyExchange", err)
			}
		})
	}
}

func TestBothSidesDeriveSameKey(t *testing.T) {
	a, _ := GenerateKeyPair()
	b, _ := GenerateKeyPair()

	pa, _ := ParseKeyExchange(a.Packet(0))
	pb, _ := ParseKeyExchange(b.Packet(0))

	ka, err := a.DeriveKey(pb)
	if err != nil {
		t.Fatal(err)
	}
	kb, err := b.DeriveKey(pa)
	if err != nil {
		t.Fatal(err)
	}
	if len(ka) != KeySize {
		t.Errorf("key length = %d, want %d", len(ka), KeySize)
	}
	if !bytes.Equal(ka, kb) {
		t.Error("derived keys differ")
	}
}

func TestSealOpen(t *testing.T) {
	agent, receiver := pairedSessions(t)
	body := []byte(`{"alert_type":"intrusion"}`)

	frame, err := agent.Seal(TypeAlert, 42, body)
	if err != nil {
		t.Fatal(err)
	}
	if len(frame) != len(body)+Overhead {
		t.Errorf("frame length = %d, want %d", len(frame), len(body)+Overhead)
	}
	if bytes.Contains(frame, body) {
		t.Error("frame contains plaintext")
	}

	seq, got, err := receiver.Open(TypeAlert, frame)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if seq != 42 || !bytes.Equal(got, body) {
		t.Errorf("Open() = %d %q", seq, got)
	}
}

func TestOpen_RejectsTampering(t *testing.T) {
	agent, receiver := pairedSessions(t)
	frame, _ := agent.Seal(TypeTelemetry, 1, []byte("cpu=12"))

	tests := []struct {
		name  string
		typ   MessageType
		frame func() []byte
		want  error
	}{
		{"flipped tag bit", TypeTelemetry, func() []byte {
			f := append([]byte(nil), frame...)
			f[len(f)-1] ^= 0x01
			return f
		}, ErrDecrypt},
		{"flipped ciphertext bit", TypeTelemetry, func() []byte {
			f := append([]byte(nil), frame...)
			f[NonceSize] ^= 0x80
			return f
		}, ErrDecrypt},
		{"flipped nonce bit", TypeTelemetry, func() []byte {
			f := append([]byte(nil), frame...)
			f[0] ^= 0x01
			return f
		}, ErrDecrypt},
		{"type confusion", TypeAlert, func() []byte { return frame }, ErrDecrypt},
		{"truncated", TypeTelemetry, func() []byte { return frame[:Overhead-1] }, ErrShortFrame},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := receiver.Open(tt.typ, tt.frame()); !errors.Is(err, tt.want) {
				t.Errorf("Open() = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestOpen_WrongKey(t *testing.T) {
	agent, _ := pairedSessions(t)
	_, stranger := pairedSessions(t)

	frame, _ := agent.Seal(TypeAlert, 1, []byte("x"))
	if _, _, err := stranger.Open(TypeAlert, frame); !errors.Is(err, ErrDecrypt) {
		t.Errorf("Open() with wrong key = %v, want ErrDecrypt", err)
	}
}

func TestNonceUnique(t *testing.T) {
	s, err := NewSession(make([]byte, KeySize), RoleAgent)
	if err != nil {
		t.Fatal(err)
	}
	// A frozen clock and zero randomness still give distinct nonces.
	frozen := time.Unix(1700000000, 0)
	s.now = func() time.Time { return frozen }
	s.rand = bytes.NewReader(make([]byte, 4*1000))

	seen := make(map[string]bool)
	for i := 0; i < 1000; i++ {
		frame, err := s.Seal(TypeTelemetry, 0, nil)
		if err != nil {
			t.Fatal(err)
		}
		n := string(frame[:NonceSize])
		if seen[n] {
			t.Fatalf("nonce repeated at message %d", i)
		}
		seen[n] = true

		if got := binary.BigEndian.Uint32(frame[0:4]); got != uint32(frozen.Unix()) {
			t.Fatalf("nonce timestamp = %d", got)
		}
	}
}

func TestNonceCarriesDirection(t *testing.T) {
	agent, receiver := pairedSessions(t)

	tests := []struct {
		name    string
		session *Session
		wantBit uint32
	}{
		{"agent", agent, 0},
		{"receiver", receiver, directionBit},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for i := 0; i < 3; i++ {
				frame, err := tt.session.Seal(TypeHeartbeat, uint32(i), nil)
				if err != nil {
					t.Fatal(err)
				}
				if got := binary.BigEndian.Uint32(frame[4:8]) & directionBit; got != tt.wantBit {
					t.Fatalf("direction bit = %#x, want %#x", got, tt.wantBit)
				}
			}
		})
	}
}

func TestOpen_RejectsReflectedFrame(t *testing.T) {
	agent, receiver := pairedSessions(t)

	own, _ := agent.Seal(TypeAlert, 1, []byte("smoke"))
	if _, _, err := agent.Open(TypeAlert, own); !errors.Is(err, ErrDecrypt) {
		t.Errorf("agent opened its own frame: %v", err)
	}

	ack, _ := receiver.Seal(TypeResponse, 1, []byte{StatusOK})
	if _, _, err := receiver.Open(TypeResponse, ack); !errors.Is(err, ErrDecrypt) {
		t.Errorf("receiver opened its own frame: %v", err)
	}
	if _, err := OpenAck(agent, ack); err != nil {
		t.Errorf("agent rejected receiver ack: %v", err)
	}
}

func TestSession_RejectsOwnKeyPacket(t *testing.T) {
	k, _ := GenerateKeyPair()
	peer, _ := GenerateKeyPair()

	if !k.IsOwn(k.Packet(3)) {
		t.Error("IsOwn() = false for own packet")
	}
	if k.IsOwn(peer.Packet(0)) {
		t.Error("IsOwn() = true for peer packet")
	}
	if _, err := k.Session(k.Packet(0), RoleAgent); !errors.Is(err, ErrKeyExchange) {
		t.Errorf("Session(own packet) = %v, want ErrKeyExchange", err)
	}
}

func TestNewSession_BadKey(t *testing.T) {
	if _, err := NewSession(make([]byte, 32), RoleAgent); err == nil {
		t.Error("NewSession() accepted a 32-byte key")
	}
}

func TestReceiver_AcceptAndAck(t *testing.T) {
	agent, rs := pairedSessions(t)
	r := NewReceiver(rs)

	frame, _ := agent.Seal(TypeAlert, 9, []byte("smoke"))
	body, ackFrame, err := r.Accept(TypeAlert, frame)
	if err != nil {
		t.Fatalf("Accept() error = %v", err)
	}
	if string(body) != "smoke" {
		t.Errorf("body = %q", body)
	}

	ack, err := OpenAck(agent, ackFrame)
	if err != nil {
		t.Fatalf("OpenAck() error = %v", err)
	}
	if ack.Seq != 9 || ack.Status != StatusOK {
		t.Errorf("ack = %+v", ack)
	}
}

func TestReceiver_NoAckOnBadTag(t *testing.T) {
	agent, rs := pairedSessions(t)
	r := NewReceiver(rs)

	frame, _ := agent.Seal(TypeAlert, 1, []byte("intruder"))
	frame[len(frame)-3] ^= 0x10

	body, ack, err := r.Accept(TypeAlert, frame)
	if !errors.Is(err, ErrDecrypt) {
		t.Fatalf("Accept() = %v, want ErrDecrypt", err)
	}
	if body != nil || ack != nil {
		t.Error("rejected frame produced a body or an ack")
	}
}

func TestReceiver_Command(t *testing.T) {
	agent, rs := pairedSessions(t)
	r := NewReceiver(rs)

	frame, err := r.Command(3, []byte(`{"command":"ping"}`))
	if err != nil {
		t.Fatal(err)
	}
	seq, body, err := agent.Open(TypeCommand, frame)
	if err != nil || seq != 3 || string(body) != `{"command":"ping"}` {
		t.Errorf("Open(command) = %d %q %v", seq, body, err)
	}
}

func TestMessageTypeString(t *testing.T) {
	if TypeHeartbeat.String() != "heartbeat" || MessageType(0x42).String() != "type(0x42)" {
		t.Error("unexpected message type names")
	}
}
