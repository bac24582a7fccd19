// Package topic builds and parses the vrpc-r wire topics: agent/class
// presence topics, and the 5-segment request topic
// `{domain}/{agent}/{class}/{instance}/{function}`.
package topic

import "strings"

const (
	// ClassName is the single synthetic class every agent exposes.
	ClassName = "Session"

	// StaticInstance is the reserved instance segment for calls that are
	// not bound to a named instance.
	StaticInstance = "__static__"

	// FnCreateShared is the static function that materializes a new
	// instance.
	FnCreateShared = "__createShared__"

	// FnDelete is the static function that removes an instance.
	FnDelete = "__delete__"

	// FnCall is the generic-call function: its first argument names the
	// real function to invoke.
	FnCall = "call"

	agentInfoSuffix  = "__agentInfo__"
	classInfoSuffix  = "__classInfo__"
	clientInfoSuffix = "__clientInfo__"
)

// Request is the parsed form of a 5-segment request topic.
type Request struct {
	Domain   string
	Agent    string
	Class    string
	Instance string
	Function string
}

// String reconstructs the original topic string: a round trip through
// ParseRequest and String reproduces the input.
func (r Request) String() string {
	return strings.Join([]string{r.Domain, r.Agent, r.Class, r.Instance, r.Function}, "/")
}

// IsStatic reports whether the request targets the static dispatch path.
func (r Request) IsStatic() bool {
	return r.Instance == StaticInstance
}

// ParseRequest parses an incoming publish topic.
//
//   - A 5-segment topic yields (ok=true, err=nil) and a populated Request.
//   - A 4-segment topic ending in "__clientInfo__" is silently ignored:
//     (ok=false, err=nil), the caller must not log or reply.
//   - Anything else is a protocol error: (ok=false, err!=nil), the
//     caller logs and discards; no reply can be sent because no reply
//     topic can be trusted from a malformed request.
func ParseRequest(topic string) (Request, bool, error) {
	segments := split(topic)

	if len(segments) == 4 && segments[3] == clientInfoSuffix {
		return Request{}, false, nil
	}

	if len(segments) != 5 {
		return Request{}, false, &ProtocolError{Topic: topic, Msg: "expected 5 topic segments"}
	}

	return Request{
		Domain:   segments[0],
		Agent:    segments[1],
		Class:    segments[2],
		Instance: segments[3],
		Function: segments[4],
	}, true, nil
}

// ProtocolError reports a topic that could not be parsed into a trusted
// request.
type ProtocolError struct {
	Topic string
	Msg   string
}

func (e *ProtocolError) Error() string {
	return "malformed topic " + e.Topic + ": " + e.Msg
}

// AgentInfo builds the retained agent-presence topic.
func AgentInfo(domain, agent string) string {
	return strings.Join([]string{domain, agent, agentInfoSuffix}, "/")
}

// ClassInfo builds the retained class-descriptor topic for the fixed
// Session class.
func ClassInfo(domain, agent string) string {
	return strings.Join([]string{domain, agent, ClassName, classInfoSuffix}, "/")
}

// StaticFilter builds the wildcard subscription filter that covers every
// static function (__createShared__, __delete__, call, and every
// configured function name) with a single subscribe call:
// `{domain}/{agent}/Session/__static__/+`.
func StaticFilter(domain, agent string) string {
	return strings.Join([]string{domain, agent, ClassName, StaticInstance, "+"}, "/")
}

// InstanceSubscription builds the per-instance subscription filter
// `{domain}/{agent}/Session/{instance}/+` installed on instance creation.
func InstanceSubscription(domain, agent, instance string) string {
	return strings.Join([]string{domain, agent, ClassName, instance, "+"}, "/")
}

// split tokenizes a topic on "/", dropping empty segments.
func split(topic string) []string {
	parts := strings.Split(topic, "/")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
