package bcp

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync/atomic"
	"time"
)

// Version is the protocol version carried in key exchange headers and the AAD.
const Version byte = 0x01

// MessageType identifies a frame. It is bound into the AAD so a frame
// cannot be replayed as a different type.
type MessageType byte

const (
	TypeTelemetry   MessageType = 0x01
	TypeAlert       MessageType = 0x02
	TypeCommand     MessageType = 0x03
	TypeResponse    MessageType = 0x04
	TypeHeartbeat   MessageType = 0x05
	TypeKeyExchange MessageType = 0x06
)

// String returns the message type name.
func (t MessageType) String() string {
	switch t {
	case TypeTelemetry:
		return "telemetry"
	case TypeAlert:
		return "alert"
	case TypeCommand:
		return "command"
	case TypeResponse:
		return "response"
	case TypeHeartbeat:
		return "heartbeat"
	case TypeKeyExchange:
		return "key_exchange"
	default:
		return fmt.Sprintf("type(0x%02x)", byte(t))
	}
}

// Status codes carried in response bodies.
const (
	StatusOK           byte = 0x00
	StatusError        byte = 0x01
	StatusNotSupported byte = 0x02
)

// Frame layout.
const (
	KeySize   = 16
	NonceSize = 12
	TagSize   = 16
	seqSize   = 4

	// Overhead is the number of bytes a frame adds to a body.
	Overhead = NonceSize + seqSize + TagSize
)

var (
	// ErrDecrypt is returned when a frame fails authentication.
	ErrDecrypt = errors.New("bcp: authentication failed")

	// ErrShortFrame is returned for frames too small to hold nonce, sequence and tag.
	ErrShortFrame = errors.New("bcp: frame too short")

	// ErrKeyExchange is returned for malformed key exchange packets.
	ErrKeyExchange = errors.New("bcp: invalid key exchange")
)

// Role is the end of the link a session seals for. Both ends share one
// key, so the role is carried in the high bit of the nonce counter.
type Role uint8

const (
	RoleAgent Role = iota
	RoleReceiver
)

const directionBit uint32 = 1 << 31

func (r Role) bit() uint32 {
	if r == RoleReceiver {
		return directionBit
	}
	return 0
}

// Session seals and opens frames with one AES-128-GCM key.
//
// Frame: [nonce(12)][ciphertext][tag(16)]. The plaintext is a 4-byte
// big-endian sequence number followed by the body. The nonce is
// unix seconds(4) | direction(1 bit) counter(31 bits) | random(4), so it
// never repeats within a session even if the clock stalls, and the two
// directions never draw from the same nonce space. Open rejects frames
// carrying the session's own direction.
//
// Thread Safety:
//   - Safe for concurrent use.
type Session struct {
	aead    cipher.AEAD
	role    Role
	counter atomic.Uint32
	now     func() time.Time
	rand    io.Reader
}

// NewSession creates a session from a 16-byte key for one end of the link.
func NewSession(key []byte, role Role) (*Session, error) {
	if len(key) != KeySize {
		return nil, fmt.Errorf("bcp: key must be %d bytes, got %d", KeySize, len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("bcp: creating cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("bcp: creating GCM: %w", err)
	}
	return &Session{aead: aead, role: role, now: time.Now, rand: rand.Reader}, nil
}

func aad(t MessageType) []byte {
	return []byte{Version, byte(t)}
}

func (s *Session) nonce() ([]byte, error) {
	n := make([]byte, NonceSize)
	binary.BigEndian.PutUint32(n[0:4], uint32(s.now().Unix()))
	binary.BigEndian.PutUint32(n[4:8], s.counter.Add(1)&^directionBit|s.role.bit())
	if _, err := io.ReadFull(s.rand, n[8:12]); err != nil {
		return nil, fmt.Errorf("bcp: reading nonce randomness: %w", err)
	}
	return n, nil
}

// Seal encrypts body as a frame of type t with sequence number seq.
func (s *Session) Seal(t MessageType, seq uint32, body []byte) ([]byte, error) {
	nonce, err := s.nonce()
	if err != nil {
		return nil, err
	}

	plain := make([]byte, seqSize+len(body))
	binary.BigEndian.PutUint32(plain, seq)
	copy(plain[seqSize:], body)

	frame := make([]byte, NonceSize, NonceSize+len(plain)+TagSize)
	copy(frame, nonce)
	return s.aead.Seal(frame, nonce, plain, aad(t)), nil
}

// Open authenticates and decrypts a frame expected to be of type t.
// Any tampering, a wrong key, a type mismatch or a frame sealed by this
// same end yields ErrDecrypt.
func (s *Session) Open(t MessageType, frame []byte) (seq uint32, body []byte, err error) {
	if len(frame) < Overhead {
		return 0, nil, fmt.Errorf("%w: %d bytes", ErrShortFrame, len(frame))
	}
	if binary.BigEndian.Uint32(frame[4:8])&directionBit == s.role.bit() {
		return 0, nil, fmt.Errorf("%w: reflected %s frame", ErrDecrypt, t)
	}

	plain, err := s.aead.Open(nil, frame[:NonceSize], frame[NonceSize:], aad(t))
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %s frame", ErrDecrypt, t)
	}
	return binary.BigEndian.Uint32(plain[:seqSize]), plain[seqSize:], nil
}
