package agent

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPresence_OnlineThenOfflineMatchesLWT(t *testing.T) {
	fc := &fakeConn{}
	instances := NewInstances()
	p := newPresence(fc, "acme", "a1", "host1", "1.0.0", instances, nil)

	require.NoError(t, p.PublishOnline())
	require.NoError(t, p.PublishOffline())

	online := fc.repliesOn("acme/a1/__agentInfo__")
	require.Len(t, online, 2)

	var onlinePayload, offlinePayloadMsg map[string]any
	require.NoError(t, json.Unmarshal(online[0].Payload, &onlinePayload))
	require.NoError(t, json.Unmarshal(online[1].Payload, &offlinePayloadMsg))

	assert.Equal(t, "online", onlinePayload["status"])
	assert.Equal(t, "offline", offlinePayloadMsg["status"])
	assert.True(t, online[0].Retain)
	assert.True(t, online[1].Retain)

	// The explicit offline publish must byte-for-byte match what the LWT
	// would have delivered, since offlinePayload is the single source for
	// both.
	assert.JSONEq(t, string(offlinePayload("host1")), string(online[1].Payload))
}

func TestPresence_ClassInfoReflectsInstancesAndFunctions(t *testing.T) {
	fc := &fakeConn{}
	instances := NewInstances()
	_, _ = instances.Create("sess1")
	p := newPresence(fc, "acme", "a1", "host1", "", instances, nil)

	require.NoError(t, p.PublishClassInfo([]string{"myFunc"}))

	msgs := fc.repliesOn("acme/a1/Session/__classInfo__")
	require.Len(t, msgs, 1)
	assert.True(t, msgs[0].Retain)

	var info classInfo
	require.NoError(t, json.Unmarshal(msgs[0].Payload, &info))
	assert.Equal(t, "Session", info.ClassName)
	assert.Equal(t, []string{"sess1"}, info.Instances)
	assert.Contains(t, info.StaticFunctions, "myFunc")
	assert.Contains(t, info.MemberFunctions, "myFunc")
}
