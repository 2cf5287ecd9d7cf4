// Package rpctransport owns the two providers an EVM RPC endpoint is
// reachable through — a linear, one-call-per-request path and a
// debounced batch path that coalesces calls into a single JSON-RPC
// batch (§4.3) — plus the per-endpoint declared Limitations and the
// adapter hook chains/endpoints use to classify errors into the §7
// taxonomy.
package rpctransport

import (
	"context"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/rpc"

	"github.com/beefy-bi/import-engine/internal/ierr"
)

// MethodLimit is the maximum number of calls to a given method an
// endpoint will accept in one JSON-RPC batch. A zero value disables
// batching for that method; callers fall back to the linear provider.
type MethodLimit = int

// Limitations is the declared capability set of one RPC endpoint,
// provided by configuration rather than discovered.
type Limitations struct {
	// Methods maps a JSON-RPC method name to its max-calls-per-batch.
	// A method absent from this map is assumed unbatchable.
	Methods map[string]MethodLimit

	// MinDelayBetweenCalls is the minimum spacing the gate must enforce
	// between successive linear calls. Zero means no limit.
	MinDelayBetweenCalls time.Duration

	IsArchiveNode bool
}

// BatchLimitFor reports the max batch size for method, and whether
// batching is available for it at all.
func (l Limitations) BatchLimitFor(method string) (int, bool) {
	n, ok := l.Methods[method]
	if !ok || n <= 0 {
		return 0, false
	}
	return n, true
}

// ErrorClass is the outcome of classifying a raw transport error per §4.3.
type ErrorClass int

const (
	ErrorClassNone ErrorClass = iota
	ErrorClassArchiveNodeNeeded
	ErrorClassNetworkChanged
	ErrorClassRateLimited
	ErrorClassFatal
)

// ChainAdapter normalizes the quirks of one chain's RPC responses and
// classifies errors into the canonical taxonomy. Each EVM chain the
// engine supports provides one (mainnet geth responses differ subtly
// from e.g. BSC's or Polygon's node software).
type ChainAdapter interface {
	// ClassifyError inspects a raw error returned from a call or batch
	// element and assigns it a class. Unrecognized errors classify Fatal.
	ClassifyError(err error) ErrorClass
}

// ToDomainError converts a classified transport error into the taxonomy
// loaders and the gate react to. ErrorClassFatal covers an RPC-provider
// error string the adapter didn't recognize — an external condition,
// not a bug in this engine — so it is treated the same as a network
// change: retried with backoff rather than misfiled as ProgrammerError,
// which §7 reserves for internal bookkeeping bugs (e.g. a batch result
// missing for a submitted query, see stream.BatchRPC).
func ToDomainError(endpoint string, class ErrorClass, err error) error {
	switch class {
	case ErrorClassArchiveNodeNeeded:
		return &ierr.ArchiveNodeNeeded{Endpoint: endpoint, Err: err}
	default:
		return &ierr.RpcTransient{Endpoint: endpoint, Err: err}
	}
}

// Call is one pending linear or batched JSON-RPC invocation. Result
// must be a pointer the caller owns; the provider decodes into it and
// signals completion through Done.
type Call struct {
	Method string
	Args   []any
	Result any
	Done   chan error
}

// Endpoint bundles an RPC client with its declared Limitations and
// chain-specific adapter, and exposes the linear and batch providers
// loaders call through. Secrets embedded in the underlying URL are
// never logged — callers pass a separate LogSafeURL for diagnostics.
type Endpoint struct {
	LogSafeURL string
	Client     *rpc.Client
	Limits     Limitations
	Adapter    ChainAdapter

	debounce time.Duration
	mu       sync.Mutex
	pending  []*Call
	timer    *time.Timer
}

// NewEndpoint constructs an Endpoint with the default 10ms batch
// debounce window (§4.3).
func NewEndpoint(logSafeURL string, client *rpc.Client, limits Limitations, adapter ChainAdapter) *Endpoint {
	return &Endpoint{
		LogSafeURL: logSafeURL,
		Client:     client,
		Limits:     limits,
		Adapter:    adapter,
		debounce:   10 * time.Millisecond,
	}
}

// CallLinear issues one JSON-RPC request immediately, bypassing the
// batch queue entirely.
func (e *Endpoint) CallLinear(ctx context.Context, method string, result any, args ...any) error {
	err := e.Client.CallContext(ctx, result, method, args...)
	if err == nil {
		return nil
	}
	class := e.Adapter.ClassifyError(err)
	return ToDomainError(e.LogSafeURL, class, err)
}

// CallBatched enqueues a call to be coalesced with others arriving
// within the debounce window into a single JSON-RPC batch. It blocks
// until this call's element has a result.
//
// Invariant (§4.3): every response element is routed to exactly the
// caller that enqueued it. A batch-level transport error (the
// BatchCallContext call itself failing, as opposed to one element
// carrying an error) fans out to every pending caller in that flush.
func (e *Endpoint) CallBatched(ctx context.Context, method string, result any, args ...any) error {
	if _, ok := e.Limits.BatchLimitFor(method); !ok {
		return e.CallLinear(ctx, method, result, args...)
	}

	call := &Call{Method: method, Args: args, Result: result, Done: make(chan error, 1)}
	e.enqueue(call)

	select {
	case err := <-call.Done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *Endpoint) enqueue(call *Call) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.pending = append(e.pending, call)
	if e.timer == nil {
		e.timer = time.AfterFunc(e.debounce, e.flush)
	}
}

func (e *Endpoint) flush() {
	e.mu.Lock()
	batch := e.pending
	e.pending = nil
	e.timer = nil
	e.mu.Unlock()

	if len(batch) == 0 {
		return
	}

	capped := e.splitByLimit(batch)
	for _, group := range capped {
		e.flushGroup(group)
	}
}

// splitByLimit groups pending calls into sub-batches no larger than the
// smallest per-method batch limit present in the group, so a single
// flush never exceeds any individual method's declared ceiling.
func (e *Endpoint) splitByLimit(batch []*Call) [][]*Call {
	var groups [][]*Call
	var cur []*Call
	limit := 0
	for _, c := range batch {
		n, _ := e.Limits.BatchLimitFor(c.Method)
		if n <= 0 {
			n = len(batch)
		}
		if len(cur) == 0 {
			limit = n
		} else if len(cur) >= limit || n < limit {
			groups = append(groups, cur)
			cur = nil
			limit = n
		}
		cur = append(cur, c)
	}
	if len(cur) > 0 {
		groups = append(groups, cur)
	}
	return groups
}

func (e *Endpoint) flushGroup(group []*Call) {
	elems := make([]rpc.BatchElem, len(group))
	for i, c := range group {
		elems[i] = rpc.BatchElem{Method: c.Method, Args: c.Args, Result: c.Result}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	err := e.Client.BatchCallContext(ctx, elems)
	if err != nil {
		class := e.Adapter.ClassifyError(err)
		domainErr := ToDomainError(e.LogSafeURL, class, err)
		for _, c := range group {
			c.Done <- domainErr
		}
		return
	}

	for i, c := range group {
		if elems[i].Error != nil {
			class := e.Adapter.ClassifyError(elems[i].Error)
			c.Done <- ToDomainError(e.LogSafeURL, class, elems[i].Error)
			continue
		}
		c.Done <- nil
	}
}
