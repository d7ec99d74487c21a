package domain

import "time"

// WriterRole identifies which process owns a store key. The store enforces
// single-writer-per-key at the module boundary, not by convention.
type WriterRole string

const (
	// WriterApp is the main process: plan, settings, mode, monitored ids.
	WriterApp WriterRole = "app"
	// WriterAgent is the host-invoked enforcement process: enforcement facts.
	WriterAgent WriterRole = "agent"
)

// StateStore is the durable keyed store, the sole communication channel
// between the main process and the enforcement agent. Per-key writes are
// atomic; readers may observe stale but never torn values. There are no
// transactions and no locks.
type StateStore interface {
	// Read returns the value for key, with ok=false if the key is unset.
	Read(key string) ([]byte, bool, error)

	// Write stores value under key. Fails if role does not own the key.
	Write(role WriterRole, key string, value []byte) error

	// Delete removes key. Fails if role does not own the key.
	Delete(role WriterRole, key string) error

	// Keys returns all keys with the given prefix.
	Keys(prefix string) ([]string, error)

	// Close releases the underlying database connection.
	Close() error
}

// StoreWatcher notifies the main process when the store file changes, so
// the session read-model can be recomputed without busy-polling.
type StoreWatcher interface {
	// Changes returns a channel that receives a signal per (debounced)
	// store mutation.
	Changes() <-chan struct{}

	// Close stops watching.
	Close() error
}

// PrayerTimeSource provides future prayer occurrences. The calculation
// method behind it is opaque to this core.
type PrayerTimeSource interface {
	// Occurrences returns prayer times from the given instant covering
	// the next `days` days, in ascending time order.
	Occurrences(from time.Time, days int) ([]Occurrence, error)
}

// ActivityMonitor is the host capability that invokes the enforcement
// agent at window boundaries. Registration is keyed by the deterministic
// window id so re-registration after a relaunch is idempotent. The host
// gives no guarantee the registering process is alive at callback time.
type ActivityMonitor interface {
	// Register schedules agent callbacks at the window's start, end and
	// pre-start/pre-end warning offsets.
	Register(w Window, warnBeforeStart, warnBeforeEnd time.Duration) error

	// Unregister cancels a previously registered window's callbacks.
	Unregister(windowID string) error
}

// RestrictionEnforcer is the host capability that applies or lifts app
// restrictions. Both calls are idempotent and last-call-wins; neither
// reports prior state.
type RestrictionEnforcer interface {
	Apply(tokens []string) error
	Clear() error
}

// ProcessManager handles OS process operations.
// Implementation: uses gopsutil for cross-platform support.
type ProcessManager interface {
	// FindByName returns PIDs of processes matching the pattern.
	FindByName(pattern string) ([]int, error)

	// Kill terminates a process by PID (SIGKILL).
	Kill(pid int) error
}

// SelectionProvider exposes the externally-owned set of restriction
// tokens. This core only snapshots it at enforcement time, never writes.
type SelectionProvider interface {
	CurrentSelection() ([]string, error)
}

// Notifier delivers local user-facing notifications (for example the
// "no apps selected" warning).
type Notifier interface {
	Notify(title, body string) error
}
