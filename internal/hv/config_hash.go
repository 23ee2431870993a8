package hv

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
)

// VMConfigHash represents a hash of device configuration for snapshot validation.
// A snapshot can only be restored into a device with the same config hash.
type VMConfigHash [32]byte

// DeviceConfig captures device configuration for hashing.
type DeviceConfig struct {
	ID      string
	Base    uint64
	Size    uint64
	IRQLine uint32

	// Params holds device specific sizing parameters (register counts, widths).
	Params []uint32
}

// ComputeConfigHash computes a deterministic hash of configuration parameters.
func ComputeConfigHash(arch CpuArchitecture, deviceConfigs []DeviceConfig) VMConfigHash {
	h := sha256.New()

	h.Write([]byte(arch))
	h.Write([]byte{0}) // null terminator

	var buf [8]byte

	// Device configurations (order matters)
	for _, dc := range deviceConfigs {
		h.Write([]byte(dc.ID))
		h.Write([]byte{0}) // null terminator
		binary.LittleEndian.PutUint64(buf[:], dc.Base)
		h.Write(buf[:])
		binary.LittleEndian.PutUint64(buf[:], dc.Size)
		h.Write(buf[:])
		binary.LittleEndian.PutUint32(buf[:4], dc.IRQLine)
		h.Write(buf[:4])
		binary.LittleEndian.PutUint32(buf[:4], uint32(len(dc.Params)))
		h.Write(buf[:4])
		for _, p := range dc.Params {
			binary.LittleEndian.PutUint32(buf[:4], p)
			h.Write(buf[:4])
		}
	}

	var result VMConfigHash
	copy(result[:], h.Sum(nil))
	return result
}

// String returns a hex string representation of the hash.
func (h VMConfigHash) String() string {
	return hex.EncodeToString(h[:])
}
