package agent

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/heisenware/vrpc-r/identity"
)

// fakeConn is a minimal in-memory mqttConn used to exercise the dispatch
// state machine without a live broker.
type fakeConn struct {
	mu            sync.Mutex
	published     []publishedMsg
	subs          map[string]bool
	failSubscribe map[string]bool
}

type publishedMsg struct {
	Topic   string
	Payload []byte
	Retain  bool
}

func (f *fakeConn) Publish(topic string, payload []byte, retain bool) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := append([]byte(nil), payload...)
	f.published = append(f.published, publishedMsg{Topic: topic, Payload: cp, Retain: retain})
	return nil
}

func (f *fakeConn) Subscribe(topic string, _ func(string, []byte)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failSubscribe[topic] {
		return errSubscribeFailed
	}
	if f.subs == nil {
		f.subs = make(map[string]bool)
	}
	f.subs[topic] = true
	return nil
}

func (f *fakeConn) Unsubscribe(topic string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.subs, topic)
	return nil
}

func (f *fakeConn) Disconnect(time.Duration) {}

func (f *fakeConn) repliesOn(topic string) []publishedMsg {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []publishedMsg
	for _, m := range f.published {
		if m.Topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func (f *fakeConn) classInfoCount(topic string) int {
	return len(f.repliesOn(topic))
}

func (f *fakeConn) hasSub(topic string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.subs[topic]
}

// invocation records a single ExecutionAdapter.Invoke call.
type invocation struct {
	Function string
	ArgsJSON string
	CallID   int64
	Instance string
}

type recordingAdapter struct {
	mu    sync.Mutex
	calls []invocation
}

func (r *recordingAdapter) Invoke(function, argsJSON string, callID int64, instance string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, invocation{function, argsJSON, callID, instance})
}

func (r *recordingAdapter) last() invocation {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[len(r.calls)-1]
}

func newTestAgent(t *testing.T, adapter ExecutionAdapter) (*Agent, *fakeConn) {
	t.Helper()
	opts := identity.Options{Domain: "acme", Agent: "a1", Functions: []string{"myFunc"}}
	id := identity.AgentIdentity{Hostname: "host1", AgentName: "generated", ClientID: "va3test"}

	ag := New(opts, id, adapter)
	fc := &fakeConn{}
	ag.client = fc
	ag.presence = newPresence(fc, ag.domain, ag.agentName, ag.hostname, ag.version, ag.instances, ag.logger)
	return ag, fc
}

func TestDispatch_CreateSharedAndCall(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	// Create an instance.
	ag.handlePublish("acme/a1/Session/__static__/__createShared__",
		[]byte(`{"a":["sess1"],"s":"rep/1","i":1}`))

	replies := fc.repliesOn("rep/1")
	require.Len(t, replies, 1)

	var reply map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
	assert.JSONEq(t, `"sess1"`, string(reply["r"]))
	_, hasErr := reply["e"]
	assert.False(t, hasErr)

	assert.Equal(t, []string{"sess1"}, ag.Instances())
	assert.True(t, fc.hasSub("acme/a1/Session/sess1/+"))
	assert.GreaterOrEqual(t, fc.classInfoCount("acme/a1/Session/__classInfo__"), 1)

	// Member call, routed through the adapter, completed asynchronously.
	ag.handlePublish("acme/a1/Session/sess1/myFunc",
		[]byte(`{"a":[2,3],"s":"rep/2","i":2}`))

	call := adapter.last()
	assert.Equal(t, "myFunc", call.Function)
	assert.Equal(t, "[2,3]", call.ArgsJSON)
	assert.Equal(t, "sess1", call.Instance)

	ag.Complete(call.CallID, "5")

	replies2 := fc.repliesOn("rep/2")
	require.Len(t, replies2, 1)
	var reply2 map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies2[0].Payload, &reply2))
	assert.JSONEq(t, "5", string(reply2["r"]))
}

func TestDispatch_AdapterErrorPropagation(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	ag.handlePublish("acme/a1/Session/__static__/divide",
		[]byte(`{"a":[1,0],"s":"rep/3","i":3}`))

	call := adapter.last()
	ag.Complete(call.CallID, "__err__divide by zero")

	replies := fc.repliesOn("rep/3")
	require.Len(t, replies, 1)
	var reply map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
	assert.JSONEq(t, `"divide by zero"`, string(reply["e"]))
	_, hasResult := reply["r"]
	assert.False(t, hasResult)
}

func TestDispatch_GenericStaticCall(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, _ := newTestAgent(t, adapter)

	ag.handlePublish("acme/a1/Session/__static__/call",
		[]byte(`{"a":["fn","x"],"s":"rep/4","i":4}`))

	call := adapter.last()
	assert.Equal(t, "fn", call.Function)
	assert.Equal(t, `["x"]`, call.ArgsJSON)
	assert.Equal(t, "", call.Instance)
}

func TestDispatch_DeleteMissingInstance(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	before := fc.classInfoCount("acme/a1/Session/__classInfo__")

	ag.handlePublish("acme/a1/Session/__static__/__delete__",
		[]byte(`{"a":["ghost"],"s":"rep/5","i":5}`))

	replies := fc.repliesOn("rep/5")
	require.Len(t, replies, 1)
	var reply map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
	assert.JSONEq(t, "false", string(reply["r"]))

	after := fc.classInfoCount("acme/a1/Session/__classInfo__")
	assert.Equal(t, before, after, "deleting an unknown instance must not republish classInfo")
}

func TestDispatch_MalformedTopicDropped(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	ag.handlePublish("acme/a1/Session/__static__/call/extra",
		[]byte(`{"a":["fn"],"s":"rep/6","i":6}`))

	assert.Empty(t, fc.repliesOn("rep/6"))
	assert.Empty(t, adapter.calls)
}

func TestDispatch_ReservedInstanceNameRejected(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	ag.handlePublish("acme/a1/Session/__static__/__createShared__",
		[]byte(`{"a":["__static__"],"s":"rep/7","i":7}`))

	replies := fc.repliesOn("rep/7")
	require.Len(t, replies, 1)
	var reply map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
	_, hasErr := reply["e"]
	assert.True(t, hasErr)
	assert.NotContains(t, ag.Instances(), "__static__")
}

func TestDispatch_PendingCallResolvedExactlyOnce(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)

	ag.handlePublish("acme/a1/Session/__static__/slowFn",
		[]byte(`{"a":[],"s":"rep/8","i":8}`))
	call := adapter.last()

	require.Equal(t, 1, ag.PendingCalls())
	ag.Complete(call.CallID, "1")
	assert.Equal(t, 0, ag.PendingCalls())

	// A duplicate / late completion for the same id must be a no-op, not
	// a second publish.
	ag.Complete(call.CallID, "2")
	assert.Len(t, fc.repliesOn("rep/8"), 1)
}

var errSubscribeFailed = errors.New("subscribe failed")

func TestDispatch_CreateSharedRollsBackOnSubscribeFailure(t *testing.T) {
	adapter := &recordingAdapter{}
	ag, fc := newTestAgent(t, adapter)
	fc.failSubscribe = map[string]bool{"acme/a1/Session/sess1/+": true}

	ag.handlePublish("acme/a1/Session/__static__/__createShared__",
		[]byte(`{"a":["sess1"],"s":"rep/9","i":9}`))

	replies := fc.repliesOn("rep/9")
	require.Len(t, replies, 1)
	var reply map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies[0].Payload, &reply))
	_, hasErr := reply["e"]
	assert.True(t, hasErr)

	assert.NotContains(t, ag.Instances(), "sess1", "a failed subscribe must not leave the instance registered")

	// A retry, once the broker accepts the subscribe, must see isNew again
	// rather than skipping straight to a no-op success with no subscription.
	fc.failSubscribe = nil
	ag.handlePublish("acme/a1/Session/__static__/__createShared__",
		[]byte(`{"a":["sess1"],"s":"rep/10","i":10}`))

	replies2 := fc.repliesOn("rep/10")
	require.Len(t, replies2, 1)
	var reply2 map[string]json.RawMessage
	require.NoError(t, json.Unmarshal(replies2[0].Payload, &reply2))
	_, hasErr2 := reply2["e"]
	assert.False(t, hasErr2)
	assert.Contains(t, ag.Instances(), "sess1")
	assert.True(t, fc.hasSub("acme/a1/Session/sess1/+"))
}
