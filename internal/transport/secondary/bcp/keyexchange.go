package bcp

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// Key exchange packet: [version, 0x06, seq, flags] followed by the
// uncompressed P-256 public key.
const (
	keyExchangeHeaderSize = 4
	publicKeySize         = 65
	KeyExchangeSize       = keyExchangeHeaderSize + publicKeySize
)

var (
	hkdfSalt = []byte("BerryConnect-v1")
	hkdfInfo = []byte("AES-key")
)

// KeyPair is one side's ephemeral ECDH key.
type KeyPair struct {
	priv *ecdh.PrivateKey
}

// GenerateKeyPair creates a fresh P-256 key pair.
func GenerateKeyPair() (*KeyPair, error) {
	priv, err := ecdh.P256().GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("bcp: generating key pair: %w", err)
	}
	return &KeyPair{priv: priv}, nil
}

// Packet returns the key exchange packet announcing this public key.
func (k *KeyPair) Packet(seq byte) []byte {
	pkt := make([]byte, 0, KeyExchangeSize)
	pkt = append(pkt, Version, byte(TypeKeyExchange), seq, 0x00)
	return append(pkt, k.priv.PublicKey().Bytes()...)
}

// IsOwn reports whether pkt announces this key pair's own public key, as
// happens when a link echoes back the packet it was just sent.
func (k *KeyPair) IsOwn(pkt []byte) bool {
	if len(pkt) < KeyExchangeSize {
		return false
	}
	return bytes.Equal(pkt[keyExchangeHeaderSize:KeyExchangeSize], k.priv.PublicKey().Bytes())
}

// ParseKeyExchange validates a key exchange packet and returns the peer key.
func ParseKeyExchange(pkt []byte) (*ecdh.PublicKey, error) {
	if len(pkt) < KeyExchangeSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrKeyExchange, len(pkt))
	}
	if pkt[0] != Version {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrKeyExchange, pkt[0])
	}
	if MessageType(pkt[1]) != TypeKeyExchange {
		return nil, fmt.Errorf("%w: unexpected type %s", ErrKeyExchange, MessageType(pkt[1]))
	}
	pub, err := ecdh.P256().NewPublicKey(pkt[keyExchangeHeaderSize:KeyExchangeSize])
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrKeyExchange, err)
	}
	return pub, nil
}

// DeriveKey computes the shared AES-128 key with HKDF-SHA256.
func (k *KeyPair) DeriveKey(peer *ecdh.PublicKey) ([]byte, error) {
	secret, err := k.priv.ECDH(peer)
	if err != nil {
		return nil, fmt.Errorf("bcp: ECDH: %w", err)
	}
	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, hkdfSalt, hkdfInfo), key); err != nil {
		return nil, fmt.Errorf("bcp: deriving key: %w", err)
	}
	return key, nil
}

// Session completes the handshake from the peer's packet. The packet must
// not announce this key pair's own key.
func (k *KeyPair) Session(peerPacket []byte, role Role) (*Session, error) {
	peer, err := ParseKeyExchange(peerPacket)
	if err != nil {
		return nil, err
	}
	if k.IsOwn(peerPacket) {
		return nil, fmt.Errorf("%w: packet carries our own key", ErrKeyExchange)
	}
	key, err := k.DeriveKey(peer)
	if err != nil {
		return nil, err
	}
	return NewSession(key, role)
}
