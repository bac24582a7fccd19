package agent

import (
	"encoding/json"
	"log/slog"

	"github.com/heisenware/vrpc-r/topic"
)

// presence publishes the retained agentInfo / classInfo messages and
// renders the offline payload used both as the explicit shutdown publish
// and as the pre-armed LWT; the two must match byte-for-byte.
type presence struct {
	client   mqttConn
	domain   string
	agent    string
	hostname string
	version  string

	instances *Instances
	logger    *slog.Logger
}

func newPresence(client mqttConn, domain, agent, hostname, version string, instances *Instances, logger *slog.Logger) *presence {
	return &presence{
		client:    client,
		domain:    domain,
		agent:     agent,
		hostname:  hostname,
		version:   version,
		instances: instances,
		logger:    logger,
	}
}

// offlinePayload renders the offline agentInfo payload. It takes no
// receiver so it can be computed before the MQTT client exists, to arm the
// LWT ahead of Connect.
func offlinePayload(hostname string) []byte {
	b, _ := json.Marshal(map[string]any{
		"status":   "offline",
		"hostname": hostname,
		"v":        ProtocolVersion,
	})
	return b
}

// PublishOnline publishes the retained online agentInfo message. Must be
// called exactly once, immediately after CONNACK and before classInfo.
func (p *presence) PublishOnline() error {
	payload, _ := json.Marshal(map[string]any{
		"status":   "online",
		"hostname": p.hostname,
		"version":  p.version,
		"v":        ProtocolVersion,
	})
	if p.logger != nil {
		p.logger.Debug("publishing online presence", "domain", p.domain, "agent", p.agent)
	}
	return p.client.Publish(topic.AgentInfo(p.domain, p.agent), payload, true)
}

// PublishOffline publishes the same retained offline message the LWT
// would deliver, so a clean shutdown leaves the broker's retained state
// accurate even when the LWT never fires.
func (p *presence) PublishOffline() error {
	return p.client.Publish(topic.AgentInfo(p.domain, p.agent), offlinePayload(p.hostname), true)
}

// classInfo is the classInfo message shape. The class name is always the
// fixed synthetic "Session" class: a single class is exposed per agent.
type classInfo struct {
	ClassName       string   `json:"className"`
	Instances       []string `json:"instances"`
	StaticFunctions []string `json:"staticFunctions"`
	MemberFunctions []string `json:"memberFunctions"`
	Meta            any      `json:"meta"`
	Version         int      `json:"v"`
}

// PublishClassInfo (re)publishes the classInfo message reflecting the
// current instance set and configured functions. Must be republished
// whenever the instance set changes.
func (p *presence) PublishClassInfo(functions []string) error {
	info := classInfo{
		ClassName:       topic.ClassName,
		Instances:       p.instances.Snapshot(),
		StaticFunctions: append([]string{topic.FnCreateShared, topic.FnCall}, functions...),
		MemberFunctions: append([]string{topic.FnCall}, functions...),
		Meta:            nil,
		Version:         ProtocolVersion,
	}
	payload, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if p.logger != nil {
		p.logger.Debug("publishing classInfo", "instances", len(info.Instances))
	}
	return p.client.Publish(topic.ClassInfo(p.domain, p.agent), payload, true)
}
