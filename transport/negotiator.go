package transport

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/TastyHeadphones/GhostDrop/protocol"
	"github.com/TastyHeadphones/GhostDrop/radio"
)

// PacketLinkFactory opens the GATT packet link for a connection.
type PacketLinkFactory func(ctx context.Context) (radio.PacketLink, error)

// Negotiate selects the transport for one connection: L2CAP when the remote
// supports it and the factory succeeds, otherwise GATT. An L2CAP failure is
// logged and falls back rather than failing the session.
func Negotiate(ctx context.Context, remote protocol.Capabilities, l2capFactory radio.StreamFactory, gattFactory PacketLinkFactory, gattConfig GATTConfig, log *zap.Logger) (Transport, error) {
	if gattFactory == nil {
		return nil, fmt.Errorf("%w: gatt factory is required", ErrTransportUnavailable)
	}

	if remote.SupportsL2CAP && l2capFactory != nil {
		stream, err := l2capFactory(ctx)
		if err == nil {
			log.Info("transport: selected l2cap")
			return NewL2CAP(stream, log), nil
		}
		log.Warn("transport: l2cap open failed, falling back to gatt", zap.Error(err))
	}

	link, err := gattFactory(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: open gatt link: %v", ErrTransportUnavailable, err)
	}

	log.Info("transport: selected gatt",
		zap.Int("window", gattConfig.withDefaults().WindowSize),
		zap.Int("max_packet", link.MaxPacketSize()))
	return NewGATT(link, gattConfig, log), nil
}
