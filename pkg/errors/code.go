package errors

// ErrorCode represents a unique error identifier
type ErrorCode int

// Error code ranges allocation:
// 10000-10999: System & Common errors
// 11000-11999: Configuration errors
// 12000-12999: Isolation & worker setup errors
// 13000-13999: Execution errors
// 14000-14999: Transport & protocol errors

const (
	// ========== System & Common Errors (10000-10999) ==========

	// Success
	Success ErrorCode = 10000

	// Generic errors (10000-10099)
	Internal           ErrorCode = 10001
	InvalidParams      ErrorCode = 10002
	NotFound           ErrorCode = 10003
	ServiceUnavailable ErrorCode = 10004
	Timeout            ErrorCode = 10005

	// Validation errors (10300-10399)
	ValidationFailed   ErrorCode = 10300
	RequiredFieldEmpty ErrorCode = 10301

	// ========== Configuration Errors (11000-11999) ==========

	ConfigInvalid      ErrorCode = 11000
	ConfigConflict     ErrorCode = 11001
	SocketPathRequired ErrorCode = 11002

	// ========== Isolation & Worker Setup Errors (12000-12999) ==========

	// Profile construction (12000-12099)
	SetupFailed    ErrorCode = 12000
	NamespaceError ErrorCode = 12001
	MountError     ErrorCode = 12002
	LandlockError  ErrorCode = 12003
	SeccompError   ErrorCode = 12004
	CgroupError    ErrorCode = 12005

	// Worker lifecycle (12100-12199)
	WorkerSpawnFailed ErrorCode = 12100
	WorkerCrashed     ErrorCode = 12101
	WorkerNotIdle     ErrorCode = 12102
	WorkerTerminated  ErrorCode = 12103

	// ========== Execution Errors (13000-13999) ==========

	CapacityRejected ErrorCode = 13000
	ExecTimeout      ErrorCode = 13001
	SyscallDenied    ErrorCode = 13002
	CodeTooLarge     ErrorCode = 13003
	OutputTruncated  ErrorCode = 13004
	PoolStopped      ErrorCode = 13005

	// ========== Transport & Protocol Errors (14000-14999) ==========

	ProtocolViolation ErrorCode = 14000
	FrameTooLarge     ErrorCode = 14001
	SlotUnavailable   ErrorCode = 14002
	SlotStateInvalid  ErrorCode = 14003
	DaemonUnreachable ErrorCode = 14004
)

// errorMessages maps error codes to their default English messages
var errorMessages = map[ErrorCode]string{
	// System & Common
	Success:            "Success",
	Internal:           "Internal error",
	InvalidParams:      "Invalid parameters",
	NotFound:           "Resource not found",
	ServiceUnavailable: "Service temporarily unavailable",
	Timeout:            "Request timeout",

	// Validation
	ValidationFailed:   "Validation failed",
	RequiredFieldEmpty: "Required field is empty",

	// Configuration
	ConfigInvalid:      "Invalid configuration",
	ConfigConflict:     "Conflicting configuration values",
	SocketPathRequired: "Socket path is required",

	// Isolation
	SetupFailed:    "Isolation profile setup failed",
	NamespaceError: "Namespace creation failed",
	MountError:     "Mount setup failed",
	LandlockError:  "Landlock ruleset application failed",
	SeccompError:   "Seccomp filter installation failed",
	CgroupError:    "Cgroup operation failed",

	// Worker lifecycle
	WorkerSpawnFailed: "Failed to spawn worker",
	WorkerCrashed:     "Worker process crashed",
	WorkerNotIdle:     "Worker is not idle",
	WorkerTerminated:  "Worker has been terminated",

	// Execution
	CapacityRejected: "No idle worker and queue is full",
	ExecTimeout:      "Execution deadline exceeded",
	SyscallDenied:    "Syscall denied by supervisor",
	CodeTooLarge:     "Code payload is too large",
	OutputTruncated:  "Output exceeded the slot bound and was truncated",
	PoolStopped:      "Worker pool is stopped",

	// Transport
	ProtocolViolation: "Malformed client message",
	FrameTooLarge:     "Message frame exceeds the size limit",
	SlotUnavailable:   "No free arena slot",
	SlotStateInvalid:  "Arena slot is not in the expected state",
	DaemonUnreachable: "Daemon is unreachable",
}

// Message returns the default message for the error code
func (c ErrorCode) Message() string {
	if msg, ok := errorMessages[c]; ok {
		return msg
	}
	return "Unknown error"
}

// Process exit codes for external CLI consumers. The mapping distinguishes
// daemon-unreachable, denial, timeout, and internal failure as required by the
// daemon's public contract.
const (
	ExitOK          = 0
	ExitUnreachable = 2
	ExitDenied      = 3
	ExitTimeout     = 4
	ExitInternal    = 5
)

// ExitCode returns the process exit code an external CLI should use for the
// error code.
func (c ErrorCode) ExitCode() int {
	switch {
	case c == Success:
		return ExitOK
	case c == DaemonUnreachable, c == ServiceUnavailable:
		return ExitUnreachable
	case c == SyscallDenied, c == CapacityRejected:
		return ExitDenied
	case c == ExecTimeout, c == Timeout:
		return ExitTimeout
	default:
		return ExitInternal
	}
}
