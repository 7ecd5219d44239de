// Package bcp implements the framing and encryption of the secondary
// (BLE) transport.
//
// A session key is agreed with an ephemeral P-256 ECDH exchange and
// HKDF-SHA256 (salt "BerryConnect-v1", info "AES-key"). Every data frame
// is sealed with AES-128-GCM:
//
//	[nonce(12)][ciphertext][tag(16)]
//
// with AAD = [version, message type]. Frames that fail authentication are
// rejected with ErrDecrypt and are never acknowledged.
package bcp
