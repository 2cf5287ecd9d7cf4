package rpctransport

import "strings"

// DefaultEVMAdapter classifies the error strings common geth-derived
// nodes (and the public RPC providers fronting them) return, the same
// substring-matching idiom the teacher's flow client uses to pull a
// spork root height out of an access node's error text rather than
// relying on a typed error from the wire.
type DefaultEVMAdapter struct{}

func (DefaultEVMAdapter) ClassifyError(err error) ErrorClass {
	if err == nil {
		return ErrorClassNone
	}
	msg := strings.ToLower(err.Error())

	switch {
	case containsAny(msg,
		"missing trie node",
		"historical state not available",
		"state not available",
		"pruned",
		"archive",
	):
		return ErrorClassArchiveNodeNeeded
	case containsAny(msg,
		"too many requests",
		"rate limit",
		"429",
		"capacity",
		"exceeded",
	):
		return ErrorClassRateLimited
	case containsAny(msg,
		"connection reset",
		"eof",
		"timeout",
		"no such host",
		"connection refused",
		"i/o timeout",
	):
		return ErrorClassNetworkChanged
	default:
		return ErrorClassFatal
	}
}

func containsAny(s string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(s, n) {
			return true
		}
	}
	return false
}
