package crypto

import (
	"bytes"
	"crypto/ecdh"
	"crypto/sha256"
	"encoding/binary"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

const (
	// SessionIDSize is the length of a session identifier.
	SessionIDSize = 16

	keyMaterialSize = 32

	transcriptLabel    = "GhostDrop-v1"
	sessionKeyInfo     = "GhostDrop Session Keys"
	directionalSalt    = "ghostdrop-directional"
	noncePrefixContext = "ghostdrop-"
)

// Secrets holds the material derived once per session from the ECDH exchange.
// Immutable after derivation.
type Secrets struct {
	EncKeyMaterial []byte
	MacKeyMaterial []byte
	TranscriptHash []byte
}

// DeriveSecrets computes the transcript hash and session key material from
// both peers' handshake contributions. Transcript inputs are ordered by
// lexicographic comparison of the two ephemeral public keys so both sides
// produce identical output regardless of role.
func DeriveSecrets(sessionID []byte, localPrivateKey *ecdh.PrivateKey, localNonce []byte, peerPublicKey *ecdh.PublicKey, peerNonce []byte) (Secrets, error) {
	if len(sessionID) != SessionIDSize {
		return Secrets{}, fmt.Errorf("invalid session ID length: got %d want %d", len(sessionID), SessionIDSize)
	}
	if len(localNonce) != SessionNonceSize {
		return Secrets{}, fmt.Errorf("invalid local nonce length: got %d want %d", len(localNonce), SessionNonceSize)
	}
	if len(peerNonce) != SessionNonceSize {
		return Secrets{}, fmt.Errorf("invalid peer nonce length: got %d want %d", len(peerNonce), SessionNonceSize)
	}

	sharedSecret, err := ComputeSharedSecret(localPrivateKey, peerPublicKey)
	if err != nil {
		return Secrets{}, err
	}

	localPublic := localPrivateKey.PublicKey().Bytes()
	peerPublic := peerPublicKey.Bytes()

	firstPublic, firstNonce := localPublic, localNonce
	secondPublic, secondNonce := peerPublic, peerNonce
	if bytes.Compare(peerPublic, localPublic) < 0 {
		firstPublic, firstNonce = peerPublic, peerNonce
		secondPublic, secondNonce = localPublic, localNonce
	}

	transcript := sha256.New()
	transcript.Write([]byte(transcriptLabel))
	transcript.Write(sessionID)
	transcript.Write(firstPublic)
	transcript.Write(firstNonce)
	transcript.Write(secondPublic)
	transcript.Write(secondNonce)
	transcriptHash := transcript.Sum(nil)

	reader := hkdf.New(sha256.New, sharedSecret, transcriptHash, []byte(sessionKeyInfo))
	keyMaterial := make([]byte, 2*keyMaterialSize)
	if _, err := io.ReadFull(reader, keyMaterial); err != nil {
		return Secrets{}, fmt.Errorf("derive session key material: %w", err)
	}

	return Secrets{
		EncKeyMaterial: keyMaterial[:keyMaterialSize],
		MacKeyMaterial: keyMaterial[keyMaterialSize:],
		TranscriptHash: transcriptHash,
	}, nil
}

// DeriveSAS formats the short authentication string for a transcript hash:
// the first four bytes as a big-endian integer, mod 1e6, zero-padded to six
// decimal digits.
func DeriveSAS(transcriptHash []byte) (string, error) {
	if len(transcriptHash) != sha256.Size {
		return "", fmt.Errorf("invalid transcript hash length: got %d want %d", len(transcriptHash), sha256.Size)
	}
	value := binary.BigEndian.Uint32(transcriptHash[:4])
	return fmt.Sprintf("%06d", value%1_000_000), nil
}

func deriveDirectionalKey(encKeyMaterial []byte, label string) ([]byte, error) {
	reader := hkdf.New(sha256.New, encKeyMaterial, []byte(directionalSalt), []byte(label))
	key := make([]byte, keyMaterialSize)
	if _, err := io.ReadFull(reader, key); err != nil {
		return nil, fmt.Errorf("derive %s directional key: %w", label, err)
	}
	return key, nil
}

func directionalNoncePrefix(label string) []byte {
	sum := sha256.Sum256([]byte(noncePrefixContext + label))
	return sum[:noncePrefixSize]
}
