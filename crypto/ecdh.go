package crypto

import (
	"crypto/ecdh"
	"crypto/rand"
	"fmt"
)

const (
	// SessionNonceSize is the length of the per-session random nonce each
	// peer contributes to the handshake transcript.
	SessionNonceSize = 16
)

var p256Curve = ecdh.P256()

// GenerateEphemeralKey creates a fresh P-256 key pair for one session.
func GenerateEphemeralKey() (*ecdh.PrivateKey, error) {
	privateKey, err := p256Curve.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate P-256 private key: %w", err)
	}
	return privateKey, nil
}

// ParseEphemeralPublicKey parses peer public key bytes on the P-256 curve.
func ParseEphemeralPublicKey(raw []byte) (*ecdh.PublicKey, error) {
	publicKey, err := p256Curve.NewPublicKey(raw)
	if err != nil {
		return nil, fmt.Errorf("parse P-256 public key: %w", err)
	}
	return publicKey, nil
}

// ComputeSharedSecret performs ECDH between a local private key and a peer
// public key.
func ComputeSharedSecret(privateKey *ecdh.PrivateKey, peerPublicKey *ecdh.PublicKey) ([]byte, error) {
	sharedSecret, err := privateKey.ECDH(peerPublicKey)
	if err != nil {
		return nil, fmt.Errorf("compute ECDH shared secret: %w", err)
	}
	return sharedSecret, nil
}

// NewSessionNonce returns a fresh 16-byte random nonce.
func NewSessionNonce() ([]byte, error) {
	nonce := make([]byte, SessionNonceSize)
	if _, err := rand.Read(nonce); err != nil {
		return nil, fmt.Errorf("generate session nonce: %w", err)
	}
	return nonce, nil
}
