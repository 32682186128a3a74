package radio

import (
	"context"
	"errors"
	"io"

	"github.com/TastyHeadphones/GhostDrop/protocol"
)

// BLE service and characteristic UUIDs exposed when acting as peripheral.
const (
	// ServiceUUID identifies the GhostDrop GATT service.
	ServiceUUID = "BFA6E968-0F36-4888-8F63-C8EC01385E67"
	// DataCharacteristicUUID carries bulk data: notify + write-without-response.
	DataCharacteristicUUID = "BFA6E968-0F36-4888-8F63-C8EC01380603"
	// ControlCharacteristicUUID carries control frames: notify + write-with-response.
	ControlCharacteristicUUID = "BFA6E968-0F36-4888-8F63-C8EC01380604"
	// CapabilitiesCharacteristicUUID is the read-only capabilities blob.
	CapabilitiesCharacteristicUUID = "BFA6E968-0F36-4888-8F63-C8EC01380605"
)

var (
	// ErrBluetoothUnavailable indicates the radio is powered off or absent.
	ErrBluetoothUnavailable = errors.New("radio: bluetooth unavailable")
	// ErrBluetoothUnauthorized indicates the OS denied radio access.
	ErrBluetoothUnauthorized = errors.New("radio: bluetooth unauthorized")
	// ErrLinkClosed indicates I/O on a closed packet link.
	ErrLinkClosed = errors.New("radio: link closed")
)

// NearbyDevice is an ephemeral discovery record for one advertising peer.
type NearbyDevice struct {
	ID           string
	DisplayName  string
	RSSI         int
	Capabilities protocol.Capabilities
	// L2CAPPSM is the advertised L2CAP PSM; zero when the peer offers none.
	L2CAPPSM uint16
}

// PacketLink is the datagram surface of one GATT connection: MTU-bounded
// packets with a flow-controlled write-without-response path. Implementations
// wrap the platform characteristic I/O on either role (central writes,
// peripheral notifies).
type PacketLink interface {
	// WritePacket sends one packet. With requiresResponse the call completes
	// only after the link layer acknowledges the write.
	WritePacket(ctx context.Context, packet []byte, requiresResponse bool) error
	// CanSendWriteWithoutResponse probes the flow-control window.
	CanSendWriteWithoutResponse() bool
	// WaitForWriteWithoutResponseReady blocks until the radio is ready for
	// another write-without-response burst.
	WaitForWriteWithoutResponseReady(ctx context.Context) error
	// Packets yields incoming packets. The channel closes when the link dies.
	Packets() <-chan []byte
	// MaxPacketSize reports the negotiated MTU-derived packet size.
	MaxPacketSize() int
	Close() error
}

// StreamFactory opens the L2CAP credit-based channel for a connection.
// Negotiation treats any error as "no L2CAP" and falls back to GATT.
type StreamFactory func(ctx context.Context) (io.ReadWriteCloser, error)

// Central is the scanner role of the radio adapter.
type Central interface {
	WaitUntilPoweredOn(ctx context.Context) error
	StartScanning() error
	StopScanning()
	// NearbyDevices yields discovery snapshots as advertisements arrive.
	NearbyDevices() <-chan []NearbyDevice
	Connect(ctx context.Context, deviceID string) error
	DiscoverTransportCharacteristics(ctx context.Context, deviceID string) error
	AdvertisedCapabilities(deviceID string) (protocol.Capabilities, error)
	OpenL2CAP(ctx context.Context, deviceID string, psm uint16) (io.ReadWriteCloser, error)
	PacketLink(deviceID string) (PacketLink, error)
}

// Peripheral is the advertiser role of the radio adapter.
type Peripheral interface {
	WaitUntilPoweredOn(ctx context.Context) error
	// StartAdvertising publishes the service with encoded capabilities and
	// returns the listening L2CAP PSM, or zero if none is offered.
	StartAdvertising(capabilities protocol.Capabilities) (uint16, error)
	StopAdvertising()
	// PacketLink is the GATT surface toward the connected central: incoming
	// characteristic writes in, notifications out.
	PacketLink() PacketLink
	// L2CAPChannels yields accepted credit-based channels.
	L2CAPChannels() <-chan io.ReadWriteCloser
}
