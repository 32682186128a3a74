package protocol

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
)

const (
	// Version is the current wire protocol version.
	Version = 1
	// HeaderSize is the fixed envelope header length.
	HeaderSize = 10
	// MaxBodySize is the maximum accepted envelope body size (10 MB).
	MaxBodySize = 10 * 1024 * 1024
)

// magic marks the start of every envelope.
var magic = [4]byte{'G', 'H', 'S', 'T'}

var (
	// ErrFrameEncoding indicates a frame could not be serialized.
	ErrFrameEncoding = errors.New("protocol: frame encoding failed")
	// ErrFrameDecoding indicates bytes do not form a valid envelope or body.
	ErrFrameDecoding = errors.New("protocol: frame decoding failed")
)

// Encode serializes a frame into one length-delimited envelope.
func Encode(frame Frame) ([]byte, error) {
	payload := frame.payload()
	if payload == nil {
		return nil, fmt.Errorf("%w: kind %s has no payload", ErrFrameEncoding, frame.Kind)
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%w: marshal %s body: %v", ErrFrameEncoding, frame.Kind, err)
	}
	if len(body) > MaxBodySize {
		return nil, fmt.Errorf("%w: %s body exceeds %d bytes", ErrFrameEncoding, frame.Kind, MaxBodySize)
	}

	envelope := make([]byte, HeaderSize+len(body))
	copy(envelope[0:4], magic[:])
	envelope[4] = Version
	envelope[5] = byte(frame.Kind)
	binary.BigEndian.PutUint32(envelope[6:10], uint32(len(body)))
	copy(envelope[HeaderSize:], body)

	return envelope, nil
}

// Decode parses one complete envelope into a frame.
func Decode(envelope []byte) (Frame, error) {
	frame, consumed, err := decodeNext(envelope)
	if err != nil {
		return Frame{}, err
	}
	if consumed != len(envelope) {
		return Frame{}, fmt.Errorf("%w: %d trailing bytes after envelope", ErrFrameDecoding, len(envelope)-consumed)
	}
	return frame, nil
}

// ConsumeFrames destructively drains complete envelopes from the head of
// buffer. A partial envelope at the tail is left untouched. On a malformed
// envelope the buffer state is unspecified and the caller must discard it.
func ConsumeFrames(buffer *bytes.Buffer) ([]Frame, error) {
	var frames []Frame
	for {
		data := buffer.Bytes()
		if len(data) < HeaderSize {
			return frames, nil
		}

		frame, consumed, err := decodeNext(data)
		if errors.Is(err, errShortEnvelope) {
			return frames, nil
		}
		if err != nil {
			return frames, err
		}

		buffer.Next(consumed)
		frames = append(frames, frame)
	}
}

// errShortEnvelope distinguishes an incomplete tail from a malformed header.
var errShortEnvelope = errors.New("protocol: incomplete envelope")

func decodeNext(data []byte) (Frame, int, error) {
	if len(data) < HeaderSize {
		return Frame{}, 0, errShortEnvelope
	}
	if !bytes.Equal(data[0:4], magic[:]) {
		return Frame{}, 0, fmt.Errorf("%w: bad magic %x", ErrFrameDecoding, data[0:4])
	}
	if data[4] != Version {
		return Frame{}, 0, fmt.Errorf("%w: unsupported version %d", ErrFrameDecoding, data[4])
	}

	kind := Kind(data[5])
	if !kind.valid() {
		return Frame{}, 0, fmt.Errorf("%w: unknown kind %d", ErrFrameDecoding, data[5])
	}

	bodyLen := binary.BigEndian.Uint32(data[6:10])
	if bodyLen > MaxBodySize {
		return Frame{}, 0, fmt.Errorf("%w: body length %d exceeds %d", ErrFrameDecoding, bodyLen, MaxBodySize)
	}
	total := HeaderSize + int(bodyLen)
	if len(data) < total {
		return Frame{}, 0, errShortEnvelope
	}

	frame, err := decodeBody(kind, data[HeaderSize:total])
	if err != nil {
		return Frame{}, 0, err
	}
	return frame, total, nil
}

func decodeBody(kind Kind, body []byte) (Frame, error) {
	frame := Frame{Kind: kind}

	var target any
	switch kind {
	case KindHello:
		frame.Hello = &Hello{}
		target = frame.Hello
	case KindHelloAck:
		frame.HelloAck = &HelloAck{}
		target = frame.HelloAck
	case KindVerify:
		frame.Verify = &Verify{}
		target = frame.Verify
	case KindVerifyAck:
		frame.VerifyAck = &VerifyAck{}
		target = frame.VerifyAck
	case KindMetadata:
		frame.Metadata = &Metadata{}
		target = frame.Metadata
	case KindData:
		frame.Data = &Data{}
		target = frame.Data
	case KindAck:
		frame.Ack = &Ack{}
		target = frame.Ack
	case KindResume:
		frame.Resume = &Resume{}
		target = frame.Resume
	case KindComplete:
		frame.Complete = &Complete{}
		target = frame.Complete
	case KindCancel:
		frame.Cancel = &Cancel{}
		target = frame.Cancel
	case KindPing:
		frame.Ping = &Ping{}
		target = frame.Ping
	case KindEncrypted:
		frame.Encrypted = &Encrypted{}
		target = frame.Encrypted
	default:
		return Frame{}, fmt.Errorf("%w: unknown kind %d", ErrFrameDecoding, kind)
	}

	decoder := json.NewDecoder(bytes.NewReader(body))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(target); err != nil {
		return Frame{}, fmt.Errorf("%w: unmarshal %s body: %v", ErrFrameDecoding, kind, err)
	}

	return frame, nil
}
