package crypto

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"

	"github.com/TastyHeadphones/GhostDrop/protocol"
)

const (
	noncePrefixSize = 4
	nonceSize       = 12

	labelSender   = "sender"
	labelReceiver = "receiver"
)

var (
	// ErrEncryption indicates frame sealing failed.
	ErrEncryption = errors.New("crypto: encryption failed")
	// ErrDecryption indicates AEAD open failed (tag or nonce mismatch).
	ErrDecryption = errors.New("crypto: decryption failed")
	// ErrNotEncrypted indicates Open received a non-Encrypted frame.
	ErrNotEncrypted = errors.New("crypto: frame is not encrypted")
)

// Role selects which directional key a context seals with.
type Role string

const (
	// RoleSender seals with the sender-direction key.
	RoleSender Role = labelSender
	// RoleReceiver seals with the receiver-direction key.
	RoleReceiver Role = labelReceiver
)

func (r Role) opposite() Role {
	if r == RoleSender {
		return RoleReceiver
	}
	return RoleSender
}

// Context seals and opens frames with the session's directional AEAD keys.
// The send sequence is owned by the context and monotonically non-decreasing
// for the session lifetime.
type Context struct {
	role Role

	sendAEAD cipher.AEAD
	recvAEAD cipher.AEAD

	sendNoncePrefix []byte
	recvNoncePrefix []byte

	seqMu   sync.Mutex
	sendSeq uint64
}

// NewContext builds the directional AEAD state for one session role.
func NewContext(role Role, secrets Secrets) (*Context, error) {
	if role != RoleSender && role != RoleReceiver {
		return nil, fmt.Errorf("invalid context role %q", role)
	}
	if len(secrets.EncKeyMaterial) != keyMaterialSize {
		return nil, fmt.Errorf("invalid enc key material length: got %d want %d", len(secrets.EncKeyMaterial), keyMaterialSize)
	}

	sendAEAD, err := newDirectionalAEAD(secrets.EncKeyMaterial, string(role))
	if err != nil {
		return nil, err
	}
	recvAEAD, err := newDirectionalAEAD(secrets.EncKeyMaterial, string(role.opposite()))
	if err != nil {
		return nil, err
	}

	return &Context{
		role:            role,
		sendAEAD:        sendAEAD,
		recvAEAD:        recvAEAD,
		sendNoncePrefix: directionalNoncePrefix(string(role)),
		recvNoncePrefix: directionalNoncePrefix(string(role.opposite())),
	}, nil
}

func newDirectionalAEAD(encKeyMaterial []byte, label string) (cipher.AEAD, error) {
	key, err := deriveDirectionalKey(encKeyMaterial, label)
	if err != nil {
		return nil, err
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("create AES cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("create GCM: %w", err)
	}
	return aead, nil
}

// Role returns the context's sealing direction.
func (c *Context) Role() Role {
	return c.role
}

// NextSendSequence reserves and returns the next send sequence value.
func (c *Context) NextSendSequence() uint64 {
	c.seqMu.Lock()
	defer c.seqMu.Unlock()
	seq := c.sendSeq
	c.sendSeq++
	return seq
}

// Seal encodes a frame and wraps it as Encrypted bound to the current send
// sequence. The combined payload layout is nonce(12) || ciphertext || tag.
func (c *Context) Seal(frame protocol.Frame) (protocol.Frame, error) {
	plaintext, err := protocol.Encode(frame)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", ErrEncryption, err)
	}

	seq := c.NextSendSequence()
	combined := c.sealBytes(seq, plaintext)
	return protocol.NewEncrypted(seq, combined), nil
}

// Open unwraps an Encrypted frame and decodes the inner frame. The embedded
// nonce must equal the nonce recomputed from the receive-direction prefix and
// the frame's sequence.
func (c *Context) Open(frame protocol.Frame) (protocol.Frame, error) {
	if frame.Kind != protocol.KindEncrypted || frame.Encrypted == nil {
		return protocol.Frame{}, ErrNotEncrypted
	}

	plaintext, err := c.openBytes(frame.Encrypted.Seq, frame.Encrypted.Combined)
	if err != nil {
		return protocol.Frame{}, err
	}

	inner, err := protocol.Decode(plaintext)
	if err != nil {
		return protocol.Frame{}, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return inner, nil
}

// SealDataPayload encrypts one chunk payload bound to its data sequence.
// Data frames carry the combined bytes directly and are not double-wrapped.
func (c *Context) SealDataPayload(seq uint64, plaintext []byte) []byte {
	return c.sealBytes(seq, plaintext)
}

// OpenDataPayload decrypts one chunk payload bound to its data sequence.
func (c *Context) OpenDataPayload(seq uint64, combined []byte) ([]byte, error) {
	return c.openBytes(seq, combined)
}

func (c *Context) sealBytes(seq uint64, plaintext []byte) []byte {
	nonce := sequenceNonce(c.sendNoncePrefix, seq)
	associated := sequenceBytes(seq)

	combined := make([]byte, nonceSize, nonceSize+len(plaintext)+c.sendAEAD.Overhead())
	copy(combined, nonce)
	return c.sendAEAD.Seal(combined, nonce, plaintext, associated)
}

func (c *Context) openBytes(seq uint64, combined []byte) ([]byte, error) {
	if len(combined) < nonceSize {
		return nil, fmt.Errorf("%w: combined payload too short", ErrDecryption)
	}

	nonce := combined[:nonceSize]
	expected := sequenceNonce(c.recvNoncePrefix, seq)
	if !bytes.Equal(nonce, expected) {
		return nil, fmt.Errorf("%w: nonce does not match sequence %d", ErrDecryption, seq)
	}

	plaintext, err := c.recvAEAD.Open(nil, nonce, combined[nonceSize:], sequenceBytes(seq))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecryption, err)
	}
	return plaintext, nil
}

func sequenceNonce(prefix []byte, seq uint64) []byte {
	nonce := make([]byte, nonceSize)
	copy(nonce, prefix)
	binary.BigEndian.PutUint64(nonce[noncePrefixSize:], seq)
	return nonce
}

func sequenceBytes(seq uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, seq)
	return buf
}
