// Package agent implements the vrpc-r core: presence publishing,
// instance life-cycle, call correlation and request dispatch, wired
// together behind a single Agent value owning these fields and passed
// into handlers by reference.
package agent

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/heisenware/vrpc-r/identity"
	"github.com/heisenware/vrpc-r/topic"
	mqttclient "github.com/heisenware/vrpc-r/transport/mqtt"
)

// DefaultConnectTimeout is used when no Option overrides it.
const DefaultConnectTimeout = 10 * time.Second

// DefaultShutdownGrace is the bounded grace period allowed for in-flight
// QoS 1 messages to flush on disconnect.
const DefaultShutdownGrace = 3 * time.Second

// mqttConn is the narrow surface Agent needs from an MQTT connection.
// *transport/mqtt.Client satisfies it; tests substitute a fake so the
// dispatch state machine can be exercised without a broker.
type mqttConn interface {
	Publish(topic string, payload []byte, retain bool) error
	Subscribe(topic string, handler func(topic string, payload []byte)) error
	Unsubscribe(topic string) error
	Disconnect(grace time.Duration)
}

// Agent is a single process exposing the synthetic "Session" class over
// an MQTT bus.
type Agent struct {
	domain    string
	agentName string
	functions []string
	hostname  string
	version   string

	brokerURL      string
	clientID       string
	username       string
	password       string
	connectTimeout time.Duration
	shutdownGrace  time.Duration

	client     mqttConn
	presence   *presence
	instances  *Instances
	correlator *Correlator
	adapter    ExecutionAdapter
	logger     *slog.Logger
}

// Option configures an Agent at construction time, the usual Go
// functional-options pattern.
type Option func(*Agent)

// WithLogger overrides the default stderr text logger.
func WithLogger(logger *slog.Logger) Option {
	return func(a *Agent) { a.logger = logger }
}

// WithConnectTimeout overrides DefaultConnectTimeout.
func WithConnectTimeout(d time.Duration) Option {
	return func(a *Agent) { a.connectTimeout = d }
}

// WithShutdownGrace overrides DefaultShutdownGrace.
func WithShutdownGrace(d time.Duration) Option {
	return func(a *Agent) { a.shutdownGrace = d }
}

// New builds an Agent from opts and id (identity.FromMap / DeriveIdentity)
// and an ExecutionAdapter. The agent is not yet connected; call Run to
// connect, announce presence and start dispatching.
func New(opts identity.Options, id identity.AgentIdentity, adapter ExecutionAdapter, options ...Option) *Agent {
	agentName := opts.Agent
	if agentName == "" {
		agentName = id.AgentName
	}

	a := &Agent{
		domain:         opts.Domain,
		agentName:      agentName,
		functions:      opts.Functions,
		hostname:       id.Hostname,
		version:        opts.Version,
		brokerURL:      brokerURL(opts),
		clientID:       id.ClientID,
		username:       resolveUsername(opts),
		password:       resolvePassword(opts),
		connectTimeout: DefaultConnectTimeout,
		shutdownGrace:  DefaultShutdownGrace,
		instances:      NewInstances(),
		correlator:     NewCorrelator(),
		adapter:        adapter,
		logger:         slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})),
	}
	for _, opt := range options {
		opt(a)
	}
	return a
}

// resolveUsername prefers an explicit username, falling back to a bearer
// token carried in the Token field.
func resolveUsername(opts identity.Options) string {
	if opts.Username != "" {
		return opts.Username
	}
	if opts.Token != "" {
		return opts.Token
	}
	return ""
}

func resolvePassword(opts identity.Options) string {
	if opts.Username != "" {
		return opts.Password
	}
	return ""
}

func brokerURL(opts identity.Options) string {
	scheme := "tcp"
	if opts.Scheme == identity.SchemeTLS {
		scheme = "ssl"
	}
	return fmt.Sprintf("%s://%s:%s", scheme, opts.Host, opts.Port)
}

// Logger returns the agent's structured logger.
func (a *Agent) Logger() *slog.Logger { return a.logger }

// PendingCalls reports the number of calls currently awaiting resolution,
// for observability.
func (a *Agent) PendingCalls() int { return a.correlator.Len() }

// Instances reports the currently materialized instance names.
func (a *Agent) Instances() []string { return a.instances.Snapshot() }

// Run connects to the broker with the LWT armed, publishes presence and
// subscribes to the request topics. It does not block: Run returns once
// the initial connect and subscribe sequence completes, and all further
// work happens on paho's own callback goroutines via handlePublish. Call
// Shutdown to disconnect gracefully.
func (a *Agent) Run() error {
	a.presence = newPresence(nil, a.domain, a.agentName, a.hostname, a.version, a.instances, a.logger)

	will := &mqttclient.Will{
		Topic:   topic.AgentInfo(a.domain, a.agentName),
		Payload: offlinePayload(a.hostname),
		Retain:  true,
	}

	client, err := mqttclient.Dial(mqttclient.Config{
		BrokerURL:      a.brokerURL,
		ClientID:       a.clientID,
		CleanSession:   true,
		Username:       a.username,
		Password:       a.password,
		Will:           will,
		ConnectTimeout: a.connectTimeout,
		ConnectionLost: func(err error) {
			a.logger.Error("mqtt connection lost", "error", err)
		},
	})
	if err != nil {
		return err
	}
	a.client = client
	a.presence.client = client

	if err := a.presence.PublishOnline(); err != nil {
		return err
	}

	if err := a.client.Subscribe(topic.StaticFilter(a.domain, a.agentName), a.handlePublish); err != nil {
		return err
	}

	if err := a.presence.PublishClassInfo(a.functions); err != nil {
		return err
	}

	a.logger.Info("agent online", "domain", a.domain, "agent", a.agentName, "broker", a.brokerURL)
	return nil
}

// Shutdown publishes the offline presence message and disconnects with a
// bounded grace period for in-flight QoS 1 publishes. Any calls still
// pending at the adapter are abandoned; their completions, if they
// arrive later, are silently discarded by Complete.
func (a *Agent) Shutdown() error {
	a.correlator.mu.Lock()
	a.correlator.pending = make(map[int64]Envelope)
	a.correlator.mu.Unlock()
	if a.presence != nil {
		if err := a.presence.PublishOffline(); err != nil {
			a.logger.Warn("failed to publish offline presence", "error", err)
		}
	}
	if a.client != nil {
		a.client.Disconnect(a.shutdownGrace)
	}
	a.logger.Info("agent offline", "domain", a.domain, "agent", a.agentName)
	return nil
}
