// Package mqtt wraps github.com/eclipse/paho.mqtt.golang into the narrow
// surface vrpc-r's agent needs: connect with a pre-armed last-will, publish
// at QoS 1 with an explicit retain flag, and per-topic subscription
// callbacks. The agent core never touches paho directly.
package mqtt

import (
	"fmt"
	"time"

	"github.com/eapache/go-resiliency/retrier"
	paho "github.com/eclipse/paho.mqtt.golang"
)

// QoS is fixed at "at least once" for all application traffic.
const QoS = byte(1)

// ConnectError wraps a CONNACK failure.
type ConnectError struct {
	Err error
}

func (e *ConnectError) Error() string { return fmt.Sprintf("mqtt connect failed: %v", e.Err) }
func (e *ConnectError) Unwrap() error { return e.Err }

// Will describes the last-will-and-testament message, armed before Connect
// so an ungraceful exit still delivers it.
type Will struct {
	Topic   string
	Payload []byte
	Retain  bool
}

// Config carries everything needed to dial a broker.
type Config struct {
	BrokerURL      string
	ClientID       string
	CleanSession   bool
	Username       string
	Password       string
	Will           *Will
	ConnectTimeout time.Duration

	// ConnectionLost is invoked (on paho's own goroutine) whenever the
	// connection drops; the agent uses it only for logging. paho's
	// AutoReconnect re-establishes the connection, but with CleanSession set
	// the broker drops the client's subscriptions, and nothing here
	// subscribes again after a reconnect.
	ConnectionLost func(error)
}

// Client is a thin, agent-shaped MQTT client.
type Client struct {
	paho paho.Client
}

// Dial connects to the broker described by cfg. The initial connection
// attempt is wrapped in an exponential-backoff retrier (go-resiliency) to
// ride out a broker that is still starting up (common in test and
// container-orchestrated environments); once connected, paho's own
// AutoReconnect takes over for subsequent drops.
func Dial(cfg Config) (*Client, error) {
	opts := paho.NewClientOptions().
		AddBroker(cfg.BrokerURL).
		SetClientID(cfg.ClientID).
		SetCleanSession(cfg.CleanSession).
		SetAutoReconnect(true).
		SetConnectTimeout(cfg.ConnectTimeout)

	if cfg.Username != "" {
		opts.SetUsername(cfg.Username)
		opts.SetPassword(cfg.Password)
	}
	if cfg.Will != nil {
		opts.SetBinaryWill(cfg.Will.Topic, cfg.Will.Payload, QoS, cfg.Will.Retain)
	}
	if cfg.ConnectionLost != nil {
		lost := cfg.ConnectionLost
		opts.SetConnectionLostHandler(func(_ paho.Client, err error) { lost(err) })
	}

	pahoClient := paho.NewClient(opts)

	r := retrier.New(retrier.ExponentialBackoff(5, 200*time.Millisecond), nil)
	err := r.Run(func() error {
		token := pahoClient.Connect()
		token.Wait()
		return token.Error()
	})
	if err != nil {
		return nil, &ConnectError{Err: err}
	}

	return &Client{paho: pahoClient}, nil
}

// Publish sends payload to topic at QoS 1, with the given retain flag.
func (c *Client) Publish(topic string, payload []byte, retain bool) error {
	token := c.paho.Publish(topic, QoS, retain, payload)
	token.Wait()
	return token.Error()
}

// Subscribe installs handler for topic (which may be a filter containing
// `+`/`#` wildcards) at QoS 1.
func (c *Client) Subscribe(topic string, handler func(topic string, payload []byte)) error {
	token := c.paho.Subscribe(topic, QoS, func(_ paho.Client, msg paho.Message) {
		handler(msg.Topic(), msg.Payload())
	})
	token.Wait()
	return token.Error()
}

// Unsubscribe removes a previously installed subscription filter.
func (c *Client) Unsubscribe(topic string) error {
	token := c.paho.Unsubscribe(topic)
	token.Wait()
	return token.Error()
}

// Disconnect closes the connection, allowing up to grace for in-flight
// QoS 1 publishes to flush.
func (c *Client) Disconnect(grace time.Duration) {
	c.paho.Disconnect(uint(grace.Milliseconds()))
}

// IsConnected reports the current connection state.
func (c *Client) IsConnected() bool {
	return c.paho != nil && c.paho.IsConnected()
}
