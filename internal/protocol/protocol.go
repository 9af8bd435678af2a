// Package protocol defines the control-plane messages exchanged over the
// daemon socket and over worker pipes. Bodies are CBOR, framed with a 4-byte
// big-endian length prefix. Large payloads travel through the arena, never
// through these frames more than once.
package protocol

// Version is bumped on any incompatible wire change.
const Version = 1

// MaxControlFrame bounds a single control-plane frame. Code payloads are
// bounded separately by the request slot size.
const MaxControlFrame = 128 * 1024

// MsgType discriminates envelope bodies.
type MsgType string

const (
	// Client -> daemon
	MsgExecute MsgType = "execute"
	MsgStatus  MsgType = "status"
	MsgPing    MsgType = "ping"
	MsgRelease MsgType = "release"

	// Daemon -> client
	MsgHello      MsgType = "hello"
	MsgResult     MsgType = "result"
	MsgStatusInfo MsgType = "status_info"
	MsgPong       MsgType = "pong"
	MsgReleased   MsgType = "released"
	MsgError      MsgType = "error"
)

// ExecStatus classifies how a job ended.
type ExecStatus string

const (
	StatusCompleted ExecStatus = "completed"
	StatusTimedOut  ExecStatus = "timed_out"
	StatusDenied    ExecStatus = "denied"
	StatusCrashed   ExecStatus = "crashed"
	StatusRejected  ExecStatus = "rejected"
)

// Envelope is the framed unit on the control channel. Exactly one body field
// matching Type is set; anything else is a protocol violation.
type Envelope struct {
	Type    MsgType          `cbor:"type"`
	Execute *ExecuteRequest  `cbor:"execute,omitempty"`
	Release *ReleaseRequest  `cbor:"release,omitempty"`
	Hello   *Hello           `cbor:"hello,omitempty"`
	Result  *ExecuteResponse `cbor:"result,omitempty"`
	Status  *StatusInfo      `cbor:"status,omitempty"`
	Error   *ErrorInfo       `cbor:"error,omitempty"`
}

// Hello is the first frame on every connection, sent by the daemon with the
// arena memfd attached as SCM_RIGHTS ancillary data.
type Hello struct {
	Version          int `cbor:"version"`
	ArenaSlots       int `cbor:"arena_slots"`
	RequestSlotSize  int `cbor:"request_slot_size"`
	ResponseSlotSize int `cbor:"response_slot_size"`
}

// ExecuteRequest asks the pool to run one code payload.
type ExecuteRequest struct {
	CorrelationID string `cbor:"correlation_id"`
	Code          []byte `cbor:"code"`
	TimeoutMS     uint64 `cbor:"timeout_ms,omitempty"`
}

// ExecuteResponse reports one job outcome. StdoutRef/StderrRef name the arena
// slot the client must map and then explicitly release; -1 means no payload.
type ExecuteResponse struct {
	CorrelationID   string     `cbor:"correlation_id"`
	Status          ExecStatus `cbor:"status"`
	StdoutRef       int        `cbor:"stdout_ref"`
	StderrRef       int        `cbor:"stderr_ref"`
	StdoutTruncated bool       `cbor:"stdout_truncated,omitempty"`
	StderrTruncated bool       `cbor:"stderr_truncated,omitempty"`
	ExitCode        int        `cbor:"exit_code"`
	DurationMS      uint64     `cbor:"duration_ms"`
	PeakMemoryBytes uint64     `cbor:"peak_memory_bytes"`
	DeniedSyscalls  uint32     `cbor:"denied_syscalls,omitempty"`
	Detail          string     `cbor:"detail,omitempty"`
}

// ReleaseRequest returns a consumed arena slot to the free pool.
type ReleaseRequest struct {
	CorrelationID string `cbor:"correlation_id"`
	Slot          int    `cbor:"slot"`
}

// StatusInfo answers a status query.
type StatusInfo struct {
	PoolSize         int    `cbor:"pool_size"`
	Healthy          int    `cbor:"healthy"`
	Idle             int    `cbor:"idle"`
	Busy             int    `cbor:"busy"`
	QueueDepth       int    `cbor:"queue_depth"`
	SlotsInUse       int    `cbor:"slots_in_use"`
	RecycleThreshold uint64 `cbor:"recycle_threshold"`
	UptimeMS         uint64 `cbor:"uptime_ms"`
}

// ErrorInfo carries a connection-level error back to the client.
type ErrorInfo struct {
	Code    int    `cbor:"code"`
	Message string `cbor:"message"`
}
