package agent

import (
	"net"
	"strings"
	"testing"
	"time"

	mmqtt "github.com/mochi-mqtt/server/v2"
	"github.com/mochi-mqtt/server/v2/hooks/auth"
	"github.com/mochi-mqtt/server/v2/listeners"
)

// startBroker starts an in-process mochi-mqtt broker on an ephemeral port,
// for integration tests that exercise the real transport/mqtt client
// rather than a fake mqttConn.
func startBroker(t *testing.T) (brokerURL string, cleanup func()) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("cannot get free port: %v", err)
	}
	addr := ln.Addr().String()
	_ = ln.Close()

	server := mmqtt.New(nil)
	if err := server.AddHook(new(auth.AllowHook), nil); err != nil {
		t.Fatalf("add auth hook: %v", err)
	}

	port := addr[strings.LastIndex(addr, ":")+1:]
	tcp := listeners.NewTCP(listeners.Config{ID: "vrpc-test", Address: ":" + port})
	if err := server.AddListener(tcp); err != nil {
		t.Fatalf("add listener: %v", err)
	}

	go func() { _ = server.Serve() }()
	time.Sleep(100 * time.Millisecond)

	return "tcp://127.0.0.1:" + port, func() { _ = server.Close() }
}
