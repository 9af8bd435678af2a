package arena

import (
	appErr "boxd/pkg/errors"
)

// Geometry fixes the arena layout. Request slots carry code payloads in,
// response slots carry captured output back out.
type Geometry struct {
	Slots            int `yaml:"slots"`
	RequestSlotSize  int `yaml:"requestSlotSize"`
	ResponseSlotSize int `yaml:"responseSlotSize"`
}

// DefaultGeometry matches the transport contract: 64 in-flight requests,
// 64KiB of code in, 1MiB of output back.
func DefaultGeometry() Geometry {
	return Geometry{
		Slots:            64,
		RequestSlotSize:  64 * 1024,
		ResponseSlotSize: 1024 * 1024,
	}
}

// headerSize is the uint32 length prefix at the start of every slot.
const headerSize = 4

// Validate rejects geometries that cannot hold a length-prefixed payload.
func (g Geometry) Validate() error {
	if g.Slots <= 0 {
		return appErr.ConfigError("arena.slots", "must be positive")
	}
	if g.RequestSlotSize <= headerSize {
		return appErr.ConfigError("arena.requestSlotSize", "too small")
	}
	if g.ResponseSlotSize <= headerSize {
		return appErr.ConfigError("arena.responseSlotSize", "too small")
	}
	return nil
}

func (g Geometry) totalSize() int {
	return g.Slots * (g.RequestSlotSize + g.ResponseSlotSize)
}

func (g Geometry) requestOffset(idx int) int {
	return idx * g.RequestSlotSize
}

func (g Geometry) responseOffset(idx int) int {
	return g.Slots*g.RequestSlotSize + idx*g.ResponseSlotSize
}

// MaxRequestPayload is the largest code payload one request slot holds.
func (g Geometry) MaxRequestPayload() int { return g.RequestSlotSize - headerSize }

// MaxResponsePayload is the largest output payload one response slot holds.
func (g Geometry) MaxResponsePayload() int { return g.ResponseSlotSize - headerSize }
