//go:build linux

package arena

import (
	"encoding/binary"
	"os"

	appErr "boxd/pkg/errors"

	"golang.org/x/sys/unix"
)

// Arena is the daemon-side owner of the shared memory region. It holds the
// only read-write mapping in the daemon process; workers map it read-write
// through the inherited memfd, clients read-only.
type Arena struct {
	geo   Geometry
	table *slotTable
	file  *os.File
	mem   []byte
}

// New creates the memfd-backed arena and seals it against resizing so a
// mapped peer can never shrink the region under another process.
func New(geo Geometry) (*Arena, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}

	fd, err := unix.MemfdCreate("boxd-arena", unix.MFD_CLOEXEC|unix.MFD_ALLOW_SEALING)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "memfd_create failed")
	}
	file := os.NewFile(uintptr(fd), "boxd-arena")

	if err := file.Truncate(int64(geo.totalSize())); err != nil {
		_ = file.Close()
		return nil, appErr.Wrapf(err, appErr.Internal, "size arena failed")
	}
	if _, err := unix.FcntlInt(file.Fd(), unix.F_ADD_SEALS, unix.F_SEAL_SHRINK|unix.F_SEAL_GROW); err != nil {
		_ = file.Close()
		return nil, appErr.Wrapf(err, appErr.Internal, "seal arena failed")
	}

	mem, err := unix.Mmap(int(file.Fd()), 0, geo.totalSize(), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		_ = file.Close()
		return nil, appErr.Wrapf(err, appErr.Internal, "map arena failed")
	}

	return &Arena{
		geo:   geo,
		table: newSlotTable(geo.Slots),
		file:  file,
		mem:   mem,
	}, nil
}

// File returns the memfd for handing to workers and clients.
func (a *Arena) File() *os.File { return a.file }

// Geometry returns the arena layout.
func (a *Arena) Geometry() Geometry { return a.geo }

// InUse returns the number of slots not currently free.
func (a *Arena) InUse() int { return a.table.inUse() }

// Reserve claims a slot pair for a request and clears both length headers so
// a stale payload from an earlier job can never leak into this one.
func (a *Arena) Reserve(owner string) (int, error) {
	idx, err := a.table.reserve(owner)
	if err != nil {
		return -1, err
	}
	binary.LittleEndian.PutUint32(a.mem[a.geo.requestOffset(idx):], 0)
	binary.LittleEndian.PutUint32(a.mem[a.geo.responseOffset(idx):], 0)
	return idx, nil
}

// WriteRequest copies the code payload into the request slot.
func (a *Arena) WriteRequest(idx int, owner string, payload []byte) error {
	if st := a.table.state(idx); st != SlotReserved || a.table.owner(idx) != owner {
		return appErr.Newf(appErr.SlotStateInvalid, "slot %d not reserved by request", idx)
	}
	if len(payload) > a.geo.MaxRequestPayload() {
		return appErr.Newf(appErr.CodeTooLarge, "code is %d bytes, slot holds %d",
			len(payload), a.geo.MaxRequestPayload())
	}
	off := a.geo.requestOffset(idx)
	binary.LittleEndian.PutUint32(a.mem[off:], uint32(len(payload)))
	copy(a.mem[off+headerSize:], payload)
	return nil
}

// MarkWritten records that the worker finished writing the response slot.
func (a *Arena) MarkWritten(idx int, owner string) error {
	return a.table.transition(idx, owner, SlotReserved, SlotWritten)
}

// ReadResponse reads a written response payload without consuming the slot.
func (a *Arena) ReadResponse(idx int, owner string) ([]byte, error) {
	if st := a.table.state(idx); st != SlotWritten {
		return nil, appErr.Newf(appErr.SlotStateInvalid, "slot %d is %s, want written", idx, st)
	}
	if owner != "" && a.table.owner(idx) != owner {
		return nil, appErr.Newf(appErr.SlotStateInvalid, "slot %d owned by another request", idx)
	}
	off := a.geo.responseOffset(idx)
	n := int(binary.LittleEndian.Uint32(a.mem[off:]))
	if n > a.geo.MaxResponsePayload() {
		return nil, appErr.Newf(appErr.ProtocolViolation, "slot %d declares %d bytes", idx, n)
	}
	out := make([]byte, n)
	copy(out, a.mem[off+headerSize:off+headerSize+n])
	return out, nil
}

// Consume moves a written slot to consumed on behalf of the client.
func (a *Arena) Consume(idx int, owner string) error {
	return a.table.transition(idx, owner, SlotWritten, SlotConsumed)
}

// Release frees a consumed slot.
func (a *Arena) Release(idx int, owner string) error {
	return a.table.transition(idx, owner, SlotConsumed, SlotFree)
}

// Reclaim forces a slot free regardless of state. Only safe once the worker
// bound to the slot is confirmed dead, otherwise a still-writing worker could
// corrupt the next job's result.
func (a *Arena) Reclaim(idx int) {
	if idx < 0 || idx >= a.geo.Slots {
		return
	}
	a.table.reclaim(idx)
	binary.LittleEndian.PutUint32(a.mem[a.geo.requestOffset(idx):], 0)
	binary.LittleEndian.PutUint32(a.mem[a.geo.responseOffset(idx):], 0)
}

// SlotState reports the current state of a slot.
func (a *Arena) SlotState(idx int) SlotState { return a.table.state(idx) }

// Close unmaps and closes the region.
func (a *Arena) Close() error {
	if a.mem != nil {
		_ = unix.Munmap(a.mem)
		a.mem = nil
	}
	return a.file.Close()
}
