package agent

import (
	"encoding/json"
	"strings"
	"sync"
)

// resultErrPrefix is the literal 7-byte prefix an execution-adapter
// completion uses to signal failure.
const resultErrPrefix = "__err__"

// Correlator is the call-correlation map. It hands out monotonically
// increasing call ids and holds the pending envelope for each until it
// is resolved exactly once, by whichever goroutine gets there first: the
// adapter's completion callback, or the dispatcher itself on a
// synchronous or pre-invoke error path. A mutex protects it because
// completions arrive from arbitrary goroutines running the execution
// adapter, not a single event loop.
type Correlator struct {
	mu      sync.Mutex
	nextID  int64
	pending map[int64]Envelope
}

// NewCorrelator returns an empty Correlator. Call ids start at 1.
func NewCorrelator() *Correlator {
	return &Correlator{pending: make(map[int64]Envelope)}
}

// Register allocates the next call id and stores env as its pending
// reply context.
func (c *Correlator) Register(env Envelope) int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nextID++
	id := c.nextID
	c.pending[id] = env
	return id
}

// Resolve removes and returns the envelope for id, augmented with exactly
// one of a success result or an error message. ok is false if id is
// unknown (already resolved, or never registered), in which case the
// caller must not publish anything.
func (c *Correlator) Resolve(id int64, result json.RawMessage, errMsg string, isError bool) (Envelope, bool) {
	c.mu.Lock()
	env, ok := c.pending[id]
	if ok {
		delete(c.pending, id)
	}
	c.mu.Unlock()
	if !ok {
		return nil, false
	}
	if isError {
		return env.WithErrorMessage(errMsg), true
	}
	return env.WithResult(result), true
}

// Len reports the number of calls awaiting resolution, for observability.
func (c *Correlator) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

// ParseCompletion implements the result-parsing law for adapter
// completions: a "__err__"-prefixed string is an error message; a
// JSON-parseable string becomes the decoded result; anything else
// round-trips verbatim as a JSON string.
func ParseCompletion(raw string) (result json.RawMessage, errMsg string, isError bool) {
	if strings.HasPrefix(raw, resultErrPrefix) {
		return nil, raw[len(resultErrPrefix):], true
	}
	if json.Valid([]byte(raw)) {
		return json.RawMessage(raw), "", false
	}
	quoted, _ := json.Marshal(raw)
	return json.RawMessage(quoted), "", false
}
