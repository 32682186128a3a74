package protocol

// Frame kinds, in wire order. The kind byte in the envelope header is the
// single source of truth for which payload a body carries.
const (
	KindHello     Kind = 1
	KindHelloAck  Kind = 2
	KindVerify    Kind = 3
	KindVerifyAck Kind = 4
	KindMetadata  Kind = 5
	KindData      Kind = 6
	KindAck       Kind = 7
	KindResume    Kind = 8
	KindComplete  Kind = 9
	KindCancel    Kind = 10
	KindPing      Kind = 11
	KindEncrypted Kind = 12
)

// Kind identifies a protocol frame variant.
type Kind byte

// String returns the lowercase frame-kind name.
func (k Kind) String() string {
	switch k {
	case KindHello:
		return "hello"
	case KindHelloAck:
		return "hello_ack"
	case KindVerify:
		return "verify"
	case KindVerifyAck:
		return "verify_ack"
	case KindMetadata:
		return "metadata"
	case KindData:
		return "data"
	case KindAck:
		return "ack"
	case KindResume:
		return "resume"
	case KindComplete:
		return "complete"
	case KindCancel:
		return "cancel"
	case KindPing:
		return "ping"
	case KindEncrypted:
		return "encrypted"
	default:
		return "unknown"
	}
}

func (k Kind) valid() bool {
	return k >= KindHello && k <= KindEncrypted
}

// Capabilities is advertised by the receiver and consumed by the sender to
// parameterize transport selection and chunking.
type Capabilities struct {
	SupportsL2CAP   bool `json:"supports_l2cap"`
	MaxChunk        uint `json:"max_chunk"`
	MaxWindow       uint `json:"max_window"`
	ProtocolVersion uint `json:"protocol_version"`
}

// Hello opens a session and carries the initiator's ephemeral key material.
type Hello struct {
	SessionID       []byte       `json:"session_id"`
	DeviceID        string       `json:"device_id"`
	EphemeralPubKey []byte       `json:"ephemeral_pub_key"`
	Nonce           []byte       `json:"nonce"`
	Capabilities    Capabilities `json:"capabilities"`
}

// HelloAck answers a Hello with the responder's ephemeral key material.
type HelloAck struct {
	SessionID       []byte `json:"session_id"`
	EphemeralPubKey []byte `json:"ephemeral_pub_key"`
	Nonce           []byte `json:"nonce"`
}

// Verify carries the transcript commitment for SAS comparison.
type Verify struct {
	TranscriptHash []byte `json:"transcript_hash"`
	SASCode        string `json:"sas_code"`
}

// VerifyAck reports the local user's SAS comparison outcome.
type VerifyAck struct {
	Match bool `json:"match"`
}

// Metadata announces one file transfer.
type Metadata struct {
	TransferID string `json:"transfer_id"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	MimeType   string `json:"mime_type"`
	SHA256     []byte `json:"sha256"`
	ChunkSize  uint   `json:"chunk_size"`
}

// Data carries one sealed file chunk.
type Data struct {
	Seq     uint64 `json:"seq"`
	Payload []byte `json:"payload"`
}

// Ack acknowledges bulk data cumulatively with a selective NACK bitmap
// covering sequences cum_seq+1 .. cum_seq+64.
type Ack struct {
	CumSeq     uint64 `json:"cum_seq"`
	NackBitmap uint64 `json:"nack_bitmap"`
}

// Resume reports the receiver's last confirmed sequence for a transfer.
type Resume struct {
	TransferID       string `json:"transfer_id"`
	LastConfirmedSeq uint64 `json:"last_confirmed_seq"`
}

// Complete finalizes a transfer with the sender's whole-file digest.
type Complete struct {
	TransferID string `json:"transfer_id"`
	SHA256     []byte `json:"sha256"`
}

// Cancel aborts the session.
type Cancel struct {
	Reason string `json:"reason"`
}

// Ping is a liveness probe.
type Ping struct {
	Token uint32 `json:"token"`
}

// Encrypted wraps a sealed inner frame bound to an AEAD sequence.
type Encrypted struct {
	Seq      uint64 `json:"seq"`
	Combined []byte `json:"combined"`
}

// Frame is the tagged union of all protocol frame variants. Exactly the
// payload field matching Kind is non-nil on a well-formed frame.
type Frame struct {
	Kind Kind

	Hello     *Hello
	HelloAck  *HelloAck
	Verify    *Verify
	VerifyAck *VerifyAck
	Metadata  *Metadata
	Data      *Data
	Ack       *Ack
	Resume    *Resume
	Complete  *Complete
	Cancel    *Cancel
	Ping      *Ping
	Encrypted *Encrypted
}

// NewHello wraps a Hello payload in a Frame.
func NewHello(p Hello) Frame { return Frame{Kind: KindHello, Hello: &p} }

// NewHelloAck wraps a HelloAck payload in a Frame.
func NewHelloAck(p HelloAck) Frame { return Frame{Kind: KindHelloAck, HelloAck: &p} }

// NewVerify wraps a Verify payload in a Frame.
func NewVerify(p Verify) Frame { return Frame{Kind: KindVerify, Verify: &p} }

// NewVerifyAck wraps a VerifyAck payload in a Frame.
func NewVerifyAck(match bool) Frame {
	return Frame{Kind: KindVerifyAck, VerifyAck: &VerifyAck{Match: match}}
}

// NewMetadata wraps a Metadata payload in a Frame.
func NewMetadata(p Metadata) Frame { return Frame{Kind: KindMetadata, Metadata: &p} }

// NewData wraps a Data payload in a Frame.
func NewData(seq uint64, payload []byte) Frame {
	return Frame{Kind: KindData, Data: &Data{Seq: seq, Payload: payload}}
}

// NewAck wraps an Ack payload in a Frame.
func NewAck(cumSeq, nackBitmap uint64) Frame {
	return Frame{Kind: KindAck, Ack: &Ack{CumSeq: cumSeq, NackBitmap: nackBitmap}}
}

// NewResume wraps a Resume payload in a Frame.
func NewResume(p Resume) Frame { return Frame{Kind: KindResume, Resume: &p} }

// NewComplete wraps a Complete payload in a Frame.
func NewComplete(p Complete) Frame { return Frame{Kind: KindComplete, Complete: &p} }

// NewCancel wraps a Cancel payload in a Frame.
func NewCancel(reason string) Frame {
	return Frame{Kind: KindCancel, Cancel: &Cancel{Reason: reason}}
}

// NewPing wraps a Ping payload in a Frame.
func NewPing(token uint32) Frame {
	return Frame{Kind: KindPing, Ping: &Ping{Token: token}}
}

// NewEncrypted wraps an Encrypted payload in a Frame.
func NewEncrypted(seq uint64, combined []byte) Frame {
	return Frame{Kind: KindEncrypted, Encrypted: &Encrypted{Seq: seq, Combined: combined}}
}

// payload returns the active payload pointer as any, or nil if the frame is
// malformed for its kind.
func (f Frame) payload() any {
	switch f.Kind {
	case KindHello:
		if f.Hello != nil {
			return f.Hello
		}
	case KindHelloAck:
		if f.HelloAck != nil {
			return f.HelloAck
		}
	case KindVerify:
		if f.Verify != nil {
			return f.Verify
		}
	case KindVerifyAck:
		if f.VerifyAck != nil {
			return f.VerifyAck
		}
	case KindMetadata:
		if f.Metadata != nil {
			return f.Metadata
		}
	case KindData:
		if f.Data != nil {
			return f.Data
		}
	case KindAck:
		if f.Ack != nil {
			return f.Ack
		}
	case KindResume:
		if f.Resume != nil {
			return f.Resume
		}
	case KindComplete:
		if f.Complete != nil {
			return f.Complete
		}
	case KindCancel:
		if f.Cancel != nil {
			return f.Cancel
		}
	case KindPing:
		if f.Ping != nil {
			return f.Ping
		}
	case KindEncrypted:
		if f.Encrypted != nil {
			return f.Encrypted
		}
	}
	return nil
}
