// Package identity derives an agent's wire identity (its Options, client
// id and agent name) from process configuration and host facts.
package identity

import (
	"fmt"
	"strings"

	"github.com/mitchellh/mapstructure"
)

// BrokerScheme distinguishes plain TCP from TLS MQTT connections.
type BrokerScheme int

const (
	// SchemePlain is an unencrypted MQTT connection (mqtt:// or tcp://).
	SchemePlain BrokerScheme = iota
	// SchemeTLS is an encrypted MQTT connection (mqtts:// or ssl://).
	SchemeTLS
)

func (s BrokerScheme) String() string {
	if s == SchemeTLS {
		return "tls"
	}
	return "plain"
}

// ConfigError is returned for any problem found while parsing startup
// configuration. It is fatal: the process must exit before the event loop
// starts.
type ConfigError struct {
	Field string
	Msg   string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("config error (%s): %s", e.Field, e.Msg)
}

// Options holds the immutable-after-startup configuration of an agent.
type Options struct {
	Scheme BrokerScheme
	Host   string
	Port   string

	Domain string
	Agent  string

	Username string
	Password string
	Token    string

	Version string

	Functions []string
}

// rawConfig mirrors the configuration mapping keys an agent recognizes:
// broker, domain, agent (optional), functions, username, password, token,
// version. Field names use mapstructure tags so the bag can arrive as a
// map[string]interface{}, whether CLI flags merged with environment via
// viper or a map built by an embedder.
type rawConfig struct {
	Broker    string   `mapstructure:"broker"`
	Domain    string   `mapstructure:"domain"`
	Agent     string   `mapstructure:"agent"`
	Functions []string `mapstructure:"functions"`
	Username  string   `mapstructure:"username"`
	Password  string   `mapstructure:"password"`
	Token     string   `mapstructure:"token"`
	Version   string   `mapstructure:"version"`
}

// FromMap decodes a loosely-typed configuration mapping (as produced by
// cmd/vrpcd's cobra/viper layer, or handed in directly by an embedder)
// into validated Options. The agent name, if absent, is generated by
// DeriveIdentity and must be filled in by the caller afterward. FromMap
// only validates and normalizes what was supplied.
func FromMap(cfg map[string]interface{}) (Options, error) {
	var raw rawConfig
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		Result:           &raw,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return Options{}, &ConfigError{Field: "config", Msg: err.Error()}
	}
	if err := dec.Decode(cfg); err != nil {
		return Options{}, &ConfigError{Field: "config", Msg: err.Error()}
	}

	opts := Options{
		Domain:    raw.Domain,
		Agent:     raw.Agent,
		Username:  raw.Username,
		Password:  raw.Password,
		Token:     raw.Token,
		Version:   raw.Version,
		Functions: dedupe(raw.Functions),
	}

	if err := parseBroker(&opts, raw.Broker); err != nil {
		return Options{}, err
	}
	if err := validateSegment("domain", opts.Domain); err != nil {
		return Options{}, err
	}
	if opts.Agent != "" {
		if err := validateSegment("agent", opts.Agent); err != nil {
			return Options{}, err
		}
	}

	return opts, nil
}

// parseBroker parses the broker URL: scheme must be present and is one of
// mqtt/tcp (plain) or mqtts/ssl (TLS); default port 1883 plain, 8883 TLS.
func parseBroker(opts *Options, url string) error {
	idx := strings.Index(url, "://")
	if idx < 0 {
		return &ConfigError{Field: "broker", Msg: "missing scheme in broker url (use e.g. mqtts://<hostname>)"}
	}
	scheme := url[:idx]
	rest := url[idx+3:]

	switch scheme {
	case "mqtt", "tcp":
		opts.Scheme = SchemePlain
	case "mqtts", "ssl":
		opts.Scheme = SchemeTLS
	default:
		return &ConfigError{Field: "broker", Msg: fmt.Sprintf("unrecognized scheme %q", scheme)}
	}

	if host, port, ok := strings.Cut(rest, ":"); ok {
		opts.Host = host
		opts.Port = port
	} else {
		opts.Host = rest
		if opts.Scheme == SchemeTLS {
			opts.Port = "8883"
		} else {
			opts.Port = "1883"
		}
	}
	if opts.Host == "" {
		return &ConfigError{Field: "broker", Msg: "missing host in broker url"}
	}
	return nil
}

// validateSegment enforces that domain and agent are non-empty and
// contain none of the MQTT topic-structure characters.
func validateSegment(field, value string) error {
	if value == "" {
		return &ConfigError{Field: field, Msg: "must not be empty"}
	}
	if strings.ContainsAny(value, "/+#") {
		return &ConfigError{Field: field, Msg: "must not contain '/', '+' or '#'"}
	}
	return nil
}

func dedupe(in []string) []string {
	seen := make(map[string]struct{}, len(in))
	out := make([]string, 0, len(in))
	for _, s := range in {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}
