package agent

import (
	"encoding/json"
	"errors"
)

// Protocol field names.
const (
	fieldArgs          = "a"
	fieldReplyTopic    = "s"
	fieldCorrelationID = "i"
	fieldContext       = "c"
	fieldFunction      = "f"
	fieldResult        = "r"
	fieldError         = "e"
)

// ProtocolVersion is the wire protocol version carried in the "v" field of
// every presence and classInfo message.
const ProtocolVersion = 3

// Envelope is the request/reply JSON envelope. It is kept as a raw field
// map, rather than a fixed struct, because a request may carry
// caller-defined fields beyond the ones the core inspects, and those must
// be echoed back verbatim in the reply.
type Envelope map[string]json.RawMessage

// ParseEnvelope decodes a request payload. A malformed payload becomes a
// PayloadError, surfaced before the reply topic is even known.
func ParseEnvelope(payload []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, &PayloadError{Err: err}
	}
	return env, nil
}

// Marshal renders the envelope back to JSON for publication.
func (e Envelope) Marshal() ([]byte, error) {
	return json.Marshal(map[string]json.RawMessage(e))
}

// ReplyTopic extracts the caller-chosen response topic ("s").
func (e Envelope) ReplyTopic() (string, error) {
	raw, ok := e[fieldReplyTopic]
	if !ok {
		return "", errors.New(`envelope missing reply topic field "s"`)
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", err
	}
	return s, nil
}

// Args extracts the "a" array of call arguments. A request without an "a"
// field has no arguments.
func (e Envelope) Args() ([]json.RawMessage, error) {
	raw, ok := e[fieldArgs]
	if !ok {
		return nil, nil
	}
	var args []json.RawMessage
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}

func (e Envelope) clone() Envelope {
	out := make(Envelope, len(e))
	for k, v := range e {
		out[k] = v
	}
	return out
}

// WithContext returns a copy of e with "c" (class or instance name) and
// "f" (resolved function name) set, required before registering the call.
func (e Envelope) WithContext(ctx, function string) Envelope {
	out := e.clone()
	out[fieldContext], _ = json.Marshal(ctx)
	out[fieldFunction], _ = json.Marshal(function)
	return out
}

// WithResult returns a copy of e carrying a successful result ("r"),
// clearing any previously set error.
func (e Envelope) WithResult(raw json.RawMessage) Envelope {
	out := e.clone()
	delete(out, fieldError)
	out[fieldResult] = raw
	return out
}

// WithErrorMessage returns a copy of e carrying an error ("e"), clearing
// any previously set result. Reply exclusivity is maintained by
// construction: every Envelope that reaches publishReply passes through
// exactly one of WithResult or WithErrorMessage.
func (e Envelope) WithErrorMessage(msg string) Envelope {
	out := e.clone()
	delete(out, fieldResult)
	out[fieldError], _ = json.Marshal(msg)
	return out
}

// firstArgString decodes args[0] as a string, the convention used by
// __createShared__, __delete__ and the generic "call" function to carry
// a name or function-to-invoke as their leading argument.
func firstArgString(args []json.RawMessage) (string, error) {
	if len(args) == 0 {
		return "", errors.New("missing required string argument")
	}
	var s string
	if err := json.Unmarshal(args[0], &s); err != nil {
		return "", err
	}
	return s, nil
}

func marshalArgs(args []json.RawMessage) string {
	if args == nil {
		args = []json.RawMessage{}
	}
	b, _ := json.Marshal(args)
	return string(b)
}
