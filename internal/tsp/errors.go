package tsp

import "errors"

var (
	// ErrSyncLost is reported by the input stage after an invalid sync byte.
	ErrSyncLost = errors.New("tsp: synchronization lost")
	// ErrTimeout is reported by a stage which gave up waiting for packets.
	ErrTimeout = errors.New("tsp: packet timeout")
	// ErrSendFailed is reported by the output stage when its plugin fails.
	ErrSendFailed = errors.New("tsp: output send failed")
	// ErrRestartInterrupted fails a pending restart replaced by a newer one.
	ErrRestartInterrupted = errors.New("tsp: restart interrupted by another concurrent restart")
	// ErrRestartRolledBack reports a restart which failed with the new
	// arguments; the plugin runs again with its previous arguments.
	ErrRestartRolledBack = errors.New("tsp: restart failed, previous parameters restored")
	// ErrRestartFailed reports a plugin which could not be restarted at all.
	// Its stage aborts.
	ErrRestartFailed = errors.New("tsp: restart failed")
	// ErrAlreadyStarted is returned by a second call to Start.
	ErrAlreadyStarted = errors.New("tsp: already started")
	// ErrNotStarted is returned by Wait before a successful Start.
	ErrNotStarted = errors.New("tsp: not started")
	// ErrNotRunning is returned when acting on a terminated stage.
	ErrNotRunning = errors.New("tsp: plugin not running")
	// ErrInputNotSuspendable is returned when suspending the input stage.
	ErrInputNotSuspendable = errors.New("tsp: the input plugin cannot be suspended")
)
