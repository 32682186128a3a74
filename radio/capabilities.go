package radio

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/TastyHeadphones/GhostDrop/protocol"
)

// ErrInvalidCapabilities indicates the advertisement service data could not
// be decoded.
var ErrInvalidCapabilities = errors.New("radio: invalid capabilities")

// MinChunkSize is the lower bound enforced on advertised max chunk sizes.
const MinChunkSize = 40

// ServiceData is the advertisement payload entry carried under the GhostDrop
// service UUID.
type ServiceData struct {
	Capabilities protocol.Capabilities `json:"capabilities"`
	PSM          uint16                `json:"psm,omitempty"`
}

// EncodeServiceData serializes capabilities plus the optional L2CAP PSM for
// the advertisement.
func EncodeServiceData(capabilities protocol.Capabilities, psm uint16) ([]byte, error) {
	raw, err := json.Marshal(ServiceData{Capabilities: capabilities, PSM: psm})
	if err != nil {
		return nil, fmt.Errorf("marshal service data: %w", err)
	}
	return raw, nil
}

// DecodeServiceData parses an advertisement service-data entry and validates
// the advertised limits.
func DecodeServiceData(raw []byte) (ServiceData, error) {
	var data ServiceData
	if err := json.Unmarshal(raw, &data); err != nil {
		return ServiceData{}, fmt.Errorf("%w: %v", ErrInvalidCapabilities, err)
	}
	if data.Capabilities.MaxChunk < MinChunkSize {
		return ServiceData{}, fmt.Errorf("%w: max chunk %d below minimum %d", ErrInvalidCapabilities, data.Capabilities.MaxChunk, MinChunkSize)
	}
	if data.Capabilities.MaxWindow < 1 {
		return ServiceData{}, fmt.Errorf("%w: max window must be at least 1", ErrInvalidCapabilities)
	}
	return data, nil
}
