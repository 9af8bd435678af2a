package protocol

import (
	"encoding/binary"
	"io"

	"boxd/internal/arena"
	"boxd/internal/policy"
	appErr "boxd/pkg/errors"

	"github.com/fxamacker/cbor/v2"
)

// WriteFrame encodes v as CBOR and writes it with a uint32 big-endian length
// prefix.
func WriteFrame(w io.Writer, v interface{}) error {
	body, err := cbor.Marshal(v)
	if err != nil {
		return appErr.Wrapf(err, appErr.Internal, "encode frame failed")
	}
	if len(body) > MaxControlFrame {
		return appErr.Newf(appErr.FrameTooLarge, "frame is %d bytes, limit %d", len(body), MaxControlFrame)
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(body)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(body)
	return err
}

// ReadFrame reads one length-prefixed CBOR frame into v. Oversized frames are
// rejected before any body byte is read, so a hostile peer cannot force an
// allocation beyond the frame limit.
func ReadFrame(r io.Reader, v interface{}) error {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxControlFrame {
		return appErr.Newf(appErr.FrameTooLarge, "frame declares %d bytes, limit %d", n, MaxControlFrame)
	}
	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return err
	}
	if err := cbor.Unmarshal(body, v); err != nil {
		return appErr.Wrapf(err, appErr.ProtocolViolation, "decode frame failed")
	}
	return nil
}

// EncodeStreams packs captured stdout and stderr into one response-slot
// payload.
func EncodeStreams(stdout, stderr []byte) ([]byte, error) {
	body, err := cbor.Marshal(&Streams{Stdout: stdout, Stderr: stderr})
	if err != nil {
		return nil, appErr.Wrapf(err, appErr.Internal, "encode streams failed")
	}
	return body, nil
}

// DecodeStreams unpacks a response-slot payload.
func DecodeStreams(payload []byte) (Streams, error) {
	var s Streams
	if err := cbor.Unmarshal(payload, &s); err != nil {
		return Streams{}, appErr.Wrapf(err, appErr.ProtocolViolation, "decode streams failed")
	}
	return s, nil
}

// Streams is the response-slot payload layout.
type Streams struct {
	Stdout []byte `cbor:"stdout"`
	Stderr []byte `cbor:"stderr"`
}

// Job is the frame the manager writes to a worker's private code pipe. The
// code itself is already in the request slot; the frame only binds the slot.
type Job struct {
	Slot          int    `cbor:"slot"`
	CorrelationID string `cbor:"correlation_id"`
	TimeoutMS     uint64 `cbor:"timeout_ms"`
	StdoutLimit   int    `cbor:"stdout_limit"`
	StderrLimit   int    `cbor:"stderr_limit"`
}

// JobResult is the frame a worker writes back on its result pipe after the
// response slot holds the output payload.
type JobResult struct {
	Slot            int    `cbor:"slot"`
	CorrelationID   string `cbor:"correlation_id"`
	ExitCode        int    `cbor:"exit_code"`
	DurationMS      uint64 `cbor:"duration_ms"`
	StdoutTruncated bool   `cbor:"stdout_truncated,omitempty"`
	StderrTruncated bool   `cbor:"stderr_truncated,omitempty"`
	Failed          bool   `cbor:"failed,omitempty"`
	Detail          string `cbor:"detail,omitempty"`
}

// WorkerSetup is handed to a freshly spawned worker on stdin before any
// isolation step runs. It carries everything the child cannot derive from
// its inherited file descriptors.
type WorkerSetup struct {
	WorkerID uint32               `cbor:"worker_id"`
	Policy   policy.SandboxConfig `cbor:"policy"`
	Geometry arena.Geometry       `cbor:"geometry"`
}

// SetupReport is the first frame a worker writes after its in-process
// isolation steps. A non-empty FailedStep means the profile was aborted and
// the process is exiting.
type SetupReport struct {
	FailedStep string `cbor:"failed_step,omitempty"`
	Detail     string `cbor:"detail,omitempty"`
}
