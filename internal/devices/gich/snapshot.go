package gich

import (
	"compress/gzip"
	"encoding/binary"
	"encoding/gob"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/tinyrange/gich/internal/hv"
)

// ErrSnapshotMismatch is returned when a snapshot was taken from a block
// configured differently from the one restoring it.
var ErrSnapshotMismatch = errors.New("gich: snapshot does not match device configuration")

// Snapshot is the save/restore image of one register block.
type Snapshot struct {
	HCR  uint32
	VMCR uint32

	ListRegisters    []uint32
	ActivePriorities []uint32

	// EOIPending holds the outstanding hardware EOI bits, one per slot.
	EOIPending uint32
}

func init() {
	gob.Register(&Snapshot{})
}

// CaptureSnapshot returns the current state of the block.
func (g *GICH) CaptureSnapshot() Snapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := Snapshot{
		HCR:              g.st.hcr,
		VMCR:             g.st.vmcr,
		ListRegisters:    make([]uint32, len(g.st.lrs)),
		ActivePriorities: g.st.active.snapshot(),
		EOIPending:       g.st.eoi,
	}
	for i, v := range g.st.lrs {
		snap.ListRegisters[i] = v.Encode()
	}
	return snap
}

// RestoreSnapshot replaces the state of the block with snap.
func (g *GICH) RestoreSnapshot(snap Snapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if len(snap.ListRegisters) != len(g.st.lrs) {
		return fmt.Errorf("%w: %d list registers, device has %d",
			ErrSnapshotMismatch, len(snap.ListRegisters), len(g.st.lrs))
	}
	if len(snap.ActivePriorities) != g.st.active.words {
		return fmt.Errorf("%w: %d active priority registers, device has %d",
			ErrSnapshotMismatch, len(snap.ActivePriorities), g.st.active.words)
	}

	g.st.hcr = snap.HCR & hcrWritable
	g.st.vmcr = snap.VMCR & vmcrWritable
	// Levels of active slots are rederived from the restored binary points.
	for i, raw := range snap.ListRegisters {
		v := DecodeVirtualInterrupt(raw)
		g.st.lrs[i] = v
		g.st.activeLevel[i] = 0
		if v.State.IsActive() {
			g.st.activeLevel[i] = g.levelFor(v)
		}
	}
	g.st.active.reset()
	for i, w := range snap.ActivePriorities {
		g.st.active.setWord(i, w)
	}
	g.st.eoi = snap.EOIPending & (slotBit(len(g.st.lrs)) - 1)
	g.updateInterrupt()
	return nil
}

// ConfigHash identifies the register layout snapshots of this block depend on.
func (g *GICH) ConfigHash() hv.VMConfigHash {
	return hv.ComputeConfigHash(hv.ArchitectureARM64, []hv.DeviceConfig{{
		ID:      string(DeviceTypeGICH),
		Base:    g.cfg.Base,
		Size:    WindowSize,
		IRQLine: uint32(g.cfg.MaintenanceIRQ),
		Params: []uint32{
			uint32(g.cfg.ListRegisters),
			uint32(g.cfg.PriorityBits),
			uint32(g.cfg.PreemptionBits),
		},
	}})
}

// SaveSnapshot writes the current state to w.
func (g *GICH) SaveSnapshot(w io.Writer) error {
	return WriteSnapshot(w, g.ConfigHash(), g.CaptureSnapshot())
}

// LoadSnapshot reads a snapshot from r and restores it.
func (g *GICH) LoadSnapshot(r io.Reader) error {
	snap, err := ReadSnapshot(r, g.ConfigHash())
	if err != nil {
		return err
	}
	return g.RestoreSnapshot(snap)
}

// SaveSnapshotFile writes the current state to the file at path.
func (g *GICH) SaveSnapshotFile(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create file: %w", err)
	}
	defer f.Close()

	if err := g.SaveSnapshot(f); err != nil {
		return fmt.Errorf("write snapshot: %w", err)
	}
	return f.Close()
}

// LoadSnapshotFile restores state from the file at path.
func (g *GICH) LoadSnapshotFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open file: %w", err)
	}
	defer f.Close()

	if err := g.LoadSnapshot(f); err != nil {
		return fmt.Errorf("read snapshot: %w", err)
	}
	return nil
}

// WriteSnapshot writes the snapshot header followed by the gzip compressed,
// gob encoded snapshot body.
func WriteSnapshot(w io.Writer, hash hv.VMConfigHash, snap Snapshot) error {
	header := hv.NewSnapshotHeader(hv.ArchitectureARM64, hash)
	if err := binary.Write(w, binary.LittleEndian, &header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	zw := gzip.NewWriter(w)
	if err := gob.NewEncoder(zw).Encode(&snap); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush snapshot: %w", err)
	}
	return nil
}

// ReadSnapshot reads a snapshot written by WriteSnapshot and checks it was
// taken from a block with the expected configuration hash.
func ReadSnapshot(r io.Reader, expect hv.VMConfigHash) (Snapshot, error) {
	var header hv.SnapshotHeader
	if err := binary.Read(r, binary.LittleEndian, &header); err != nil {
		return Snapshot{}, fmt.Errorf("read header: %w", err)
	}
	if header.Magic != hv.SnapshotMagic {
		return Snapshot{}, fmt.Errorf("invalid magic: expected %#x, got %#x", hv.SnapshotMagic, header.Magic)
	}
	if header.Version != hv.SnapshotVersion {
		return Snapshot{}, fmt.Errorf("unsupported version: %d", header.Version)
	}
	if arch := hv.SnapshotArchToArch(header.Arch); arch != hv.ArchitectureARM64 {
		return Snapshot{}, fmt.Errorf("snapshot architecture %s: %w", arch, hv.ErrArchitectureMismatch)
	}
	if header.ConfigHash != expect {
		return Snapshot{}, fmt.Errorf("%w: config hash %s, want %s", ErrSnapshotMismatch, header.ConfigHash, expect)
	}

	zr, err := gzip.NewReader(r)
	if err != nil {
		return Snapshot{}, fmt.Errorf("open snapshot body: %w", err)
	}
	defer zr.Close()

	var snap Snapshot
	if err := gob.NewDecoder(zr).Decode(&snap); err != nil {
		return Snapshot{}, fmt.Errorf("decode snapshot: %w", err)
	}
	return snap, nil
}
