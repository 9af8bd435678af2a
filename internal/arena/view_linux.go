//go:build linux

package arena

import (
	"encoding/binary"
	"os"

	appErr "boxd/pkg/errors"

	"golang.org/x/sys/unix"
)

// View is a mapping of the arena in a peer process. Workers open a writable
// view over the inherited memfd; clients receive the fd over the socket and
// map read-only, so a misbehaving client can never scribble on another
// request's result.
type View struct {
	geo      Geometry
	mem      []byte
	writable bool
}

// MapView maps an arena fd. The fd is not consumed.
func MapView(f *os.File, geo Geometry, writable bool) (*View, error) {
	if err := geo.Validate(); err != nil {
		return nil, err
	}
	prot := unix.PROT_READ
	if writable {
		prot |= unix.PROT_WRITE
	}
	mem, err := unix.Mmap(int(f.Fd()), 0, geo.totalSize(), prot, unix.MAP_SHARED)
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "map arena view failed")
	}
	return &View{geo: geo, mem: mem, writable: writable}, nil
}

// ReadRequest reads the code payload from a request slot.
func (v *View) ReadRequest(idx int) ([]byte, error) {
	if idx < 0 || idx >= v.geo.Slots {
		return nil, appErr.Newf(appErr.SlotStateInvalid, "slot %d out of range", idx)
	}
	off := v.geo.requestOffset(idx)
	n := int(binary.LittleEndian.Uint32(v.mem[off:]))
	if n > v.geo.MaxRequestPayload() {
		return nil, appErr.Newf(appErr.ProtocolViolation, "slot %d declares %d bytes", idx, n)
	}
	out := make([]byte, n)
	copy(out, v.mem[off+headerSize:off+headerSize+n])
	return out, nil
}

// WriteResponse writes the output payload into a response slot. The payload
// is truncated to the slot bound; the caller reports truncation out of band.
func (v *View) WriteResponse(idx int, payload []byte) (truncated bool, err error) {
	if !v.writable {
		return false, appErr.Newf(appErr.SlotStateInvalid, "view is read-only")
	}
	if idx < 0 || idx >= v.geo.Slots {
		return false, appErr.Newf(appErr.SlotStateInvalid, "slot %d out of range", idx)
	}
	if len(payload) > v.geo.MaxResponsePayload() {
		payload = payload[:v.geo.MaxResponsePayload()]
		truncated = true
	}
	off := v.geo.responseOffset(idx)
	copy(v.mem[off+headerSize:], payload)
	binary.LittleEndian.PutUint32(v.mem[off:], uint32(len(payload)))
	return truncated, nil
}

// ReadResponse reads the output payload from a response slot.
func (v *View) ReadResponse(idx int) ([]byte, error) {
	if idx < 0 || idx >= v.geo.Slots {
		return nil, appErr.Newf(appErr.SlotStateInvalid, "slot %d out of range", idx)
	}
	off := v.geo.responseOffset(idx)
	n := int(binary.LittleEndian.Uint32(v.mem[off:]))
	if n > v.geo.MaxResponsePayload() {
		return nil, appErr.Newf(appErr.ProtocolViolation, "slot %d declares %d bytes", idx, n)
	}
	out := make([]byte, n)
	copy(out, v.mem[off+headerSize:off+headerSize+n])
	return out, nil
}

// Close unmaps the view.
func (v *View) Close() error {
	if v.mem == nil {
		return nil
	}
	err := unix.Munmap(v.mem)
	v.mem = nil
	return err
}
