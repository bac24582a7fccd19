package identity

import (
	"fmt"
	"hash/fnv"
	"os"
	"os/user"
	"runtime"
)

// AgentIdentity is derived once from Options and host environment. ClientID
// is stable across reconnects (so a crashed-and-restarted agent reclaims
// its MQTT session identity); AgentName is used whenever Options.Agent was
// left blank.
type AgentIdentity struct {
	ClientID  string
	AgentName string
	Hostname  string
	Platform  string
}

// DeriveIdentity computes the AgentIdentity for opts, reading host facts
// (username, hostname, executable path, platform) exactly once. The client
// id is keyed on opts.Agent, or on the generated AgentName when opts.Agent
// is empty.
func DeriveIdentity(opts Options) AgentIdentity {
	hostname := hostname()
	platform := platform()
	id := AgentIdentity{
		Hostname: hostname,
		Platform: platform,
	}
	id.AgentName = generateAgentName(username(), hostname, platform)

	agent := opts.Agent
	if agent == "" {
		agent = id.AgentName
	}
	id.ClientID = generateClientID(opts.Domain, agent)
	return id
}

// generateAgentName reproduces the original C++ agent's
// `{username}-{pathId}@{hostname}-{platform}-r` scheme.
func generateAgentName(username, hostname, platform string) string {
	pathID := stableHashPrefix(executablePath(), 4)
	return fmt.Sprintf("%s-%s@%s-%s-r", username, pathID, hostname, platform)
}

// generateClientID reproduces `va3` followed by a 20-digit decimal prefix
// of a stable hash of domain+agent, kept at or under the 23-byte MQTT
// client-id-safe length budget ("va3" + 20 digits = 23 bytes).
func generateClientID(domain, agent string) string {
	return "va3" + stableHashPrefix(domain+agent, 20)
}

// stableHashPrefix returns the first n digits of the fixed-width decimal
// rendering of the FNV-1a 64-bit hash of s, left-padded with zeros.
func stableHashPrefix(s string, n int) string {
	h := fnv.New64a()
	_, _ = h.Write([]byte(s))
	digits := fmt.Sprintf("%020d", h.Sum64())
	if n > len(digits) {
		n = len(digits)
	}
	return digits[:n]
}

func username() string {
	if u, err := user.Current(); err == nil && u.Username != "" {
		return u.Username
	}
	return "unknown"
}

func hostname() string {
	if h, err := os.Hostname(); err == nil && h != "" {
		return h
	}
	return "unknown-host"
}

// executablePath returns the path to the running binary. On platforms
// where that cannot be resolved, the hostname stands in as a fallback:
// identity stays deterministic, but quality-of-identity is best-effort
// off Linux.
func executablePath() string {
	if p, err := os.Executable(); err == nil && p != "" {
		return p
	}
	return hostname()
}

func platform() string {
	switch runtime.GOOS {
	case "windows":
		return "win32"
	case "darwin":
		return "darwin"
	case "linux":
		return "linux"
	case "freebsd":
		return "freebsd"
	case "solaris", "aix", "netbsd", "openbsd", "dragonfly":
		return "unix"
	default:
		return "other"
	}
}
