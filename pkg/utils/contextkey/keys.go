package contextkey

// key is a private type to avoid context key collisions across packages.
type key string

const (
	CorrelationID key = "correlation_id"
	WorkerID      key = "worker_id"
	ClientConn    key = "client_conn"
)
