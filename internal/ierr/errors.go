// Package ierr defines the error taxonomy described in §7 of the
// specification: RpcTransient, ArchiveNodeNeeded, ProgrammerError,
// ConnectionTimeoutError and DomainInvariant. Every failure the engine
// reacts to is one of these, wrapped with errors.Is/As support so callers
// can classify without string matching.
package ierr

import "errors"

// RpcTransient covers rate limits, timeouts and network changes on an RPC
// endpoint: retried with backoff under the gate.
type RpcTransient struct {
	Endpoint string
	Err      error
}

func (e *RpcTransient) Error() string { return "rpc transient (" + e.Endpoint + "): " + e.Err.Error() }
func (e *RpcTransient) Unwrap() error { return e.Err }

// ArchiveNodeNeeded means the endpoint cannot serve historical state at
// the requested block and must be retried against an archive-capable
// endpoint later. It is propagated to the batch, not retried in place.
type ArchiveNodeNeeded struct {
	Endpoint string
	Err      error
}

func (e *ArchiveNodeNeeded) Error() string {
	return "archive node needed (" + e.Endpoint + "): " + e.Err.Error()
}
func (e *ArchiveNodeNeeded) Unwrap() error { return e.Err }

// ProgrammerError is fatal: it indicates a bug in the engine itself
// (e.g. a batch-RPC result missing for a submitted query) and aborts the
// run rather than being retried.
type ProgrammerError struct {
	Msg string
}

func (e *ProgrammerError) Error() string { return "programmer error: " + e.Msg }

// ConnectionTimeoutError covers database connect/query timeouts; retried
// by the import-state store up to its attempt budget.
type ConnectionTimeoutError struct {
	Err error
}

func (e *ConnectionTimeoutError) Error() string { return "connection timeout: " + e.Err.Error() }
func (e *ConnectionTimeoutError) Unwrap() error { return e.Err }

// DomainInvariant signals that a caller asked for something the domain
// model forbids (e.g. PPFS for a boost product). It always indicates a
// planner bug and surfaces as fatal.
type DomainInvariant struct {
	Msg string
}

func (e *DomainInvariant) Error() string { return "domain invariant violated: " + e.Msg }

// Is* helpers let callers classify a wrapped error without type switches
// at every call site.
func IsRpcTransient(err error) bool {
	var target *RpcTransient
	return errors.As(err, &target)
}

func IsArchiveNodeNeeded(err error) bool {
	var target *ArchiveNodeNeeded
	return errors.As(err, &target)
}

func IsProgrammerError(err error) bool {
	var target *ProgrammerError
	return errors.As(err, &target)
}

func IsConnectionTimeout(err error) bool {
	var target *ConnectionTimeoutError
	return errors.As(err, &target)
}

func IsDomainInvariant(err error) bool {
	var target *DomainInvariant
	return errors.As(err, &target)
}

// ClassName names which of the five taxonomy members err belongs to, or
// "unknown" for an error that was never wrapped into one of them (e.g.
// a plain context.Canceled). Used to tag indexing-error ledger rows
// without every caller needing its own type switch.
func ClassName(err error) string {
	switch {
	case IsRpcTransient(err):
		return "rpc_transient"
	case IsArchiveNodeNeeded(err):
		return "archive_node_needed"
	case IsProgrammerError(err):
		return "programmer_error"
	case IsConnectionTimeout(err):
		return "connection_timeout"
	case IsDomainInvariant(err):
		return "domain_invariant"
	default:
		return "unknown"
	}
}
