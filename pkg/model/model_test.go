package model

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseKind(t *testing.T) {
	k, err := ParseKind("router")
	require.NoError(t, err)
	assert.Equal(t, KindRouter, k)
	assert.Equal(t, 2, k.TapCount())
	assert.Equal(t, 1, KindStandard.TapCount())

	_, err = ParseKind("switch")
	assert.Error(t, err)
}

func TestTapNames(t *testing.T) {
	id := "1a2b3c4d-5e6f-7081-92a3-b4c5d6e7f809"

	assert.Equal(t, []string{"tap_1a2b3c4d"}, TapNames(id, KindStandard))
	names := TapNames(id, KindRouter)
	assert.Equal(t, []string{"tap_1a2b3c4d_1", "tap_1a2b3c4d_2"}, names)
	for _, n := range names {
		assert.LessOrEqual(t, len(n), 15)
	}
}

func TestNodeJSONRoundTrip(t *testing.T) {
	now := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	in := Node{
		ID:                  "n1",
		Kind:                KindRouter,
		Meta:                Metadata{Name: "alpha"},
		Overlay:             "/tmp/node_n1.qcow2",
		Status:              StatusRunning,
		DisplaySlot:         IntPtr(3),
		GatewayConnectionID: IntPtr(42),
		CreatedAt:           now,
		UpdatedAt:           now,
	}
	b, err := json.Marshal(in)
	require.NoError(t, err)

	var out Node
	require.NoError(t, json.Unmarshal(b, &out))
	assert.Equal(t, in, out)

	// unset optionals are omitted
	b, err = json.Marshal(Node{ID: "n2", Status: StatusStopped})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "displaySlot")
	assert.NotContains(t, string(b), "gatewayConnectionId")
}

func TestCloneDoesNotShareSlot(t *testing.T) {
	n := Node{ID: "n1", DisplaySlot: IntPtr(1)}
	c := n.Clone()
	*c.DisplaySlot = 9
	assert.Equal(t, 1, *n.DisplaySlot)
}

func TestConsolePort(t *testing.T) {
	assert.Equal(t, 5900, KindStandard.ConsolePort(0))
	assert.Equal(t, 5903, KindStandard.ConsolePort(3))
	assert.Equal(t, 5007, KindRouter.ConsolePort(7))
	assert.Equal(t, "vnc", KindStandard.ConsoleProtocol())
	assert.Equal(t, "telnet", KindRouter.ConsoleProtocol())
}
