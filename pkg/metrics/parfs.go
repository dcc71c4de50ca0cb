package metrics

import "time"

// ParfsMetrics collects server-side session, request, transfer and lock
// statistics.
//
// All methods must be safe for concurrent use. The interface also satisfies
// lockregistry.Observer so one collector can be handed to the lock registry.
type ParfsMetrics interface {
	// RecordRequest records a completed request of the given message kind.
	// err is the outcome reported to the client (nil for Success).
	RecordRequest(kind string, duration time.Duration, err error)

	// RecordBytesTransferred records payload bytes moved ("up" or "down").
	RecordBytesTransferred(direction string, bytes int64)

	// SetActiveSessions records the number of sessions currently served.
	SetActiveSessions(count int32)

	// RecordSessionAccepted records a connection handed to a worker.
	RecordSessionAccepted()

	// RecordSessionClosed records a finished session.
	RecordSessionClosed()

	// RecordSessionRejected records a connection refused before a session
	// started (pool saturated, rate limited, migration failed).
	RecordSessionRejected(reason string)

	// ObserveLockWait records how long a file lock acquire waited.
	ObserveLockWait(mode string, wait time.Duration)

	// SetLockEntries records the number of entries in the lock table.
	SetLockEntries(n int)
}

// NewNoopParfsMetrics returns a collector that discards everything.
func NewNoopParfsMetrics() ParfsMetrics {
	return noopParfsMetrics{}
}

type noopParfsMetrics struct{}

func (noopParfsMetrics) RecordRequest(string, time.Duration, error) {}
func (noopParfsMetrics) RecordBytesTransferred(string, int64)       {}
func (noopParfsMetrics) SetActiveSessions(int32)                    {}
func (noopParfsMetrics) RecordSessionAccepted()                     {}
func (noopParfsMetrics) RecordSessionClosed()                       {}
func (noopParfsMetrics) RecordSessionRejected(string)               {}
func (noopParfsMetrics) ObserveLockWait(string, time.Duration)      {}
func (noopParfsMetrics) SetLockEntries(int)                         {}
