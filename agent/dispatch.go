package agent

import (
	"encoding/json"

	"github.com/heisenware/vrpc-r/topic"
)

// handlePublish is the publish handler: it is installed once, on the
// wildcard static filter, and again per-instance when an instance is
// created. It never blocks on the adapter: it registers a PendingCall
// and returns.
func (a *Agent) handlePublish(topicStr string, payload []byte) {
	req, ok, err := topic.ParseRequest(topicStr)
	if err != nil {
		a.logger.Warn("dropping malformed topic", "topic", topicStr, "error", err)
		return
	}
	if !ok {
		return // __clientInfo__ topic, silently ignored
	}

	env, err := ParseEnvelope(payload)
	if err != nil {
		a.logger.Warn("dropping malformed payload", "topic", topicStr, "error", err)
		return
	}

	if _, err := env.ReplyTopic(); err != nil {
		a.logger.Warn("dropping request with no trusted reply topic", "topic", topicStr, "error", err)
		return
	}

	ctx := req.Class
	if !req.IsStatic() {
		ctx = req.Instance
	}
	env = env.WithContext(ctx, req.Function)

	id := a.correlator.Register(env)

	args, err := env.Args()
	if err != nil {
		a.failDispatch(id, err)
		return
	}

	if req.IsStatic() {
		a.dispatchStatic(id, req.Function, args)
		return
	}
	a.dispatchMember(id, req.Instance, req.Function, args)
}

// dispatchStatic implements the "__static__" rows of the function
// dispatch table.
func (a *Agent) dispatchStatic(id int64, function string, args []json.RawMessage) {
	switch function {
	case topic.FnCreateShared:
		a.createShared(id, args)
	case topic.FnDelete:
		a.deleteInstance(id, args)
	case topic.FnCall:
		a.genericCall(id, args, "")
	default:
		a.invokeAdapter(id, function, args, "")
	}
}

// dispatchMember implements the instance-name rows of the branch table.
func (a *Agent) dispatchMember(id int64, instance, function string, args []json.RawMessage) {
	switch function {
	case topic.FnCall:
		a.genericCall(id, args, instance)
	default:
		a.invokeAdapter(id, function, args, instance)
	}
}

// createShared handles __static__/__createShared__: synchronous, replies
// immediately and never touches the adapter.
func (a *Agent) createShared(id int64, args []json.RawMessage) {
	name, err := firstArgString(args)
	if err != nil {
		a.failDispatch(id, err)
		return
	}

	isNew, err := a.instances.Create(name)
	if err != nil {
		a.failDispatch(id, err)
		return
	}

	if isNew {
		if err := a.client.Subscribe(topic.InstanceSubscription(a.domain, a.agentName, name), a.handlePublish); err != nil {
			a.instances.Delete(name)
			a.failDispatch(id, err)
			return
		}
	}

	result, _ := json.Marshal(name)
	a.resolveAndReply(id, result, "", false)

	if err := a.presence.PublishClassInfo(a.functions); err != nil {
		a.logger.Error("failed to republish classInfo after instance creation", "error", err)
	}
}

// deleteInstance handles __static__/__delete__: synchronous, replies
// immediately. A delete of an unknown instance replies r:false and does
// NOT republish classInfo.
func (a *Agent) deleteInstance(id int64, args []json.RawMessage) {
	name, err := firstArgString(args)
	if err != nil {
		a.failDispatch(id, err)
		return
	}

	removed := a.instances.Delete(name)
	if removed {
		if err := a.client.Unsubscribe(topic.InstanceSubscription(a.domain, a.agentName, name)); err != nil {
			a.logger.Warn("failed to unsubscribe deleted instance topic", "instance", name, "error", err)
		}
	}

	result, _ := json.Marshal(removed)
	a.resolveAndReply(id, result, "", false)

	if removed {
		if err := a.presence.PublishClassInfo(a.functions); err != nil {
			a.logger.Error("failed to republish classInfo after instance deletion", "error", err)
		}
	}
}

// genericCall handles the "call" function: args[0] names the real
// function to invoke, the remainder are its arguments.
func (a *Agent) genericCall(id int64, args []json.RawMessage, instance string) {
	fn, err := firstArgString(args)
	if err != nil {
		a.failDispatch(id, err)
		return
	}
	rest := args[1:]
	a.invokeAdapter(id, fn, rest, instance)
}

// invokeAdapter hands the call to the execution adapter. This branch
// returns without publishing; the reply is emitted later by Complete.
func (a *Agent) invokeAdapter(id int64, function string, args []json.RawMessage, instance string) {
	a.adapter.Invoke(function, marshalArgs(args), id, instance)
}

// Complete is the completion entry point: the execution adapter calls it
// exactly once per callID with the raw result string. If callID is
// unknown (already resolved, or abandoned at shutdown), the completion
// is silently discarded.
func (a *Agent) Complete(callID int64, result string) {
	resultRaw, errMsg, isErr := ParseCompletion(result)
	a.resolveAndReply(callID, resultRaw, errMsg, isErr)
}

// failDispatch implements the DispatchError path: an error before the
// adapter is invoked replies with the fixed "Error while calling remote
// function: ..." message and discards the PendingCall.
func (a *Agent) failDispatch(id int64, err error) {
	a.resolveAndReply(id, nil, replyMessage(err), true)
}

func (a *Agent) resolveAndReply(id int64, result json.RawMessage, errMsg string, isErr bool) {
	env, ok := a.correlator.Resolve(id, result, errMsg, isErr)
	if !ok {
		return // already resolved, or never registered
	}
	a.publishReply(env)
}

func (a *Agent) publishReply(env Envelope) {
	replyTopic, err := env.ReplyTopic()
	if err != nil {
		a.logger.Error("cannot publish reply: envelope lost its reply topic", "error", err)
		return
	}
	payload, err := env.Marshal()
	if err != nil {
		a.logger.Error("failed to marshal reply envelope", "error", err)
		return
	}
	if err := a.client.Publish(replyTopic, payload, false); err != nil {
		a.logger.Error("failed to publish reply", "topic", replyTopic, "error", err)
	}
}
