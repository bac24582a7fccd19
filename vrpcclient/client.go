// Package vrpcclient is a companion client for a vrpc-r agent: it can
// create shared instances, call static and member functions, and delete
// instances, correlating replies by a caller-generated reply topic.
package vrpcclient

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/heisenware/vrpc-r/topic"
	mqttclient "github.com/heisenware/vrpc-r/transport/mqtt"
)

// DefaultCallTimeout bounds how long Call waits for a reply before giving
// up and releasing the pending entry.
const DefaultCallTimeout = 30 * time.Second

// Config carries everything needed to dial the broker a Client talks to.
type Config struct {
	BrokerURL      string
	Domain         string
	Agent          string
	Username       string
	Password       string
	ConnectTimeout time.Duration
	CallTimeout    time.Duration
}

// Client is a single correlated connection to one agent's Session class.
type Client struct {
	domain      string
	agent       string
	clientID    string
	replyTopic  string
	callTimeout time.Duration

	conn *mqttclient.Client

	mu      sync.Mutex
	pending map[string]chan reply
}

type reply struct {
	result json.RawMessage
	errMsg string
	isErr  bool
}

// CallError reports a reply carrying an "e" field.
type CallError struct {
	Message string
}

func (e *CallError) Error() string { return e.Message }

// Dial connects to the broker and subscribes to this client's own reply
// topic, mirroring the agent's pendingRequests-by-id pattern on the
// caller side.
func Dial(cfg Config) (*Client, error) {
	connectTimeout := cfg.ConnectTimeout
	if connectTimeout == 0 {
		connectTimeout = 10 * time.Second
	}
	callTimeout := cfg.CallTimeout
	if callTimeout == 0 {
		callTimeout = DefaultCallTimeout
	}

	clientID := "vrpcclient-" + uuid.NewString()
	c := &Client{
		domain:      cfg.Domain,
		agent:       cfg.Agent,
		clientID:    clientID,
		replyTopic:  fmt.Sprintf("%s/%s/%s", cfg.Domain, clientID, "__clientInfo__"),
		callTimeout: callTimeout,
		pending:     make(map[string]chan reply),
	}

	conn, err := mqttclient.Dial(mqttclient.Config{
		BrokerURL:      cfg.BrokerURL,
		ClientID:       clientID,
		CleanSession:   true,
		Username:       cfg.Username,
		Password:       cfg.Password,
		ConnectTimeout: connectTimeout,
	})
	if err != nil {
		return nil, err
	}
	c.conn = conn

	if err := conn.Subscribe(c.replyTopic, c.handleReply); err != nil {
		conn.Disconnect(0)
		return nil, err
	}
	return c, nil
}

// Close disconnects from the broker, dropping any calls still pending.
func (c *Client) Close() {
	c.conn.Disconnect(250 * time.Millisecond)
}

// CreateShared materializes a new instance and returns its name.
func (c *Client) CreateShared(ctx context.Context, instanceName string) (string, error) {
	args, _ := json.Marshal([]any{instanceName})
	raw, err := c.invoke(ctx, topic.StaticInstance, topic.FnCreateShared, args)
	if err != nil {
		return "", err
	}
	var name string
	if err := json.Unmarshal(raw, &name); err != nil {
		return "", err
	}
	return name, nil
}

// Delete removes instanceName, reporting whether it existed.
func (c *Client) Delete(ctx context.Context, instanceName string) (bool, error) {
	args, _ := json.Marshal([]any{instanceName})
	raw, err := c.invoke(ctx, topic.StaticInstance, topic.FnDelete, args)
	if err != nil {
		return false, err
	}
	var removed bool
	if err := json.Unmarshal(raw, &removed); err != nil {
		return false, err
	}
	return removed, nil
}

// Call invokes function on instance (empty string for a static call) with
// positional args, and JSON-decodes the result into out (may be nil to
// discard it).
func (c *Client) Call(ctx context.Context, instance, function string, args []any, out any) error {
	argsJSON, err := json.Marshal(args)
	if err != nil {
		return err
	}
	target := instance
	if target == "" {
		target = topic.StaticInstance
	}
	raw, err := c.invoke(ctx, target, function, argsJSON)
	if err != nil {
		return err
	}
	if out == nil || raw == nil {
		return nil
	}
	return json.Unmarshal(raw, out)
}

func (c *Client) invoke(ctx context.Context, instance, function string, argsJSON json.RawMessage) (json.RawMessage, error) {
	callID := uuid.NewString()
	ch := make(chan reply, 1)

	c.mu.Lock()
	c.pending[callID] = ch
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		delete(c.pending, callID)
		c.mu.Unlock()
	}()

	payload, err := json.Marshal(map[string]any{
		"a": json.RawMessage(argsJSON),
		"s": c.replyTopic,
		"i": callID,
	})
	if err != nil {
		return nil, err
	}

	reqTopic := fmt.Sprintf("%s/%s/%s/%s/%s", c.domain, c.agent, topic.ClassName, instance, function)
	if err := c.conn.Publish(reqTopic, payload, false); err != nil {
		return nil, err
	}

	timeoutCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	select {
	case r := <-ch:
		if r.isErr {
			return nil, &CallError{Message: r.errMsg}
		}
		return r.result, nil
	case <-timeoutCtx.Done():
		return nil, timeoutCtx.Err()
	}
}

func (c *Client) handleReply(_ string, payload []byte) {
	var env map[string]json.RawMessage
	if err := json.Unmarshal(payload, &env); err != nil {
		return
	}
	idRaw, ok := env["i"]
	if !ok {
		return
	}
	var id string
	if err := json.Unmarshal(idRaw, &id); err != nil {
		// Agents echo "i" back using whatever JSON type the caller sent;
		// a bare numeric id still round-trips as a string key here.
		id = string(idRaw)
	}

	c.mu.Lock()
	ch, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return
	}

	r := reply{}
	if errRaw, ok := env["e"]; ok {
		r.isErr = true
		_ = json.Unmarshal(errRaw, &r.errMsg)
	} else {
		r.result = env["r"]
	}

	select {
	case ch <- r:
	default:
	}
}
