package netfabric

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"nodelab/pkg/errs"
	"nodelab/pkg/logger"
)

func newFabric(t *testing.T) (*Fabric, *MemLinks) {
	t.Helper()
	links := NewMemLinks()
	return New(links, 1000, logger.Discard()), links
}

func TestEnsureTapIsIdempotent(t *testing.T) {
	f, links := newFabric(t)
	ctx := context.Background()

	require.NoError(t, f.EnsureTap(ctx, "tap_aaaa", "n1"))
	require.NoError(t, f.EnsureTap(ctx, "tap_aaaa", "n1"))

	assert.Equal(t, 1, links.Count("tap"))
	l, ok := links.Get("tap_aaaa")
	require.True(t, ok)
	assert.True(t, l.Up)
	assert.Equal(t, uint32(1000), l.Owner)
	assert.Equal(t, "n1", f.Taps()["tap_aaaa"].NodeID)
}

func TestEnsureTapAdoptsExistingLink(t *testing.T) {
	f, links := newFabric(t)
	require.NoError(t, links.AddTap("tap_host", 0))

	require.NoError(t, f.EnsureTap(context.Background(), "tap_host", "n2"))
	l, _ := links.Get("tap_host")
	assert.Equal(t, uint32(0), l.Owner, "existing tap must not be recreated")
	assert.Contains(t, f.Taps(), "tap_host")
}

func TestEnsureTapLookupFailure(t *testing.T) {
	f, links := newFabric(t)
	links.Fail = func(op, _ string) error {
		if op == "exists" {
			return errors.New("netlink: permission denied")
		}
		return nil
	}
	err := f.EnsureTap(context.Background(), "tap_x", "n1")
	assert.ErrorIs(t, err, errs.ErrNetworkSetupFailed)
	assert.Empty(t, f.Taps())
}

func TestEnsureTapCreateFailure(t *testing.T) {
	f, links := newFabric(t)
	links.Fail = func(op, _ string) error {
		if op == "add" {
			return errors.New("operation not permitted")
		}
		return nil
	}
	err := f.EnsureTap(context.Background(), "tap_x", "n1")
	assert.ErrorIs(t, err, errs.ErrNetworkSetupFailed)
	assert.Contains(t, err.Error(), "operation not permitted")
}

func TestBridgeSequentialNames(t *testing.T) {
	f, links := newFabric(t)
	ctx := context.Background()
	for _, tap := range []string{"tap_a", "tap_b", "tap_c", "tap_d"} {
		require.NoError(t, f.EnsureTap(ctx, tap, "n"))
	}

	br0, err := f.Bridge(ctx, "tap_a", "tap_b")
	require.NoError(t, err)
	br1, err := f.Bridge(ctx, "tap_c", "tap_d")
	require.NoError(t, err)
	assert.Equal(t, "br0", br0)
	assert.Equal(t, "br1", br1)

	l, _ := links.Get("tap_a")
	assert.Equal(t, "br0", l.Master)
	b, _ := links.Get("br1")
	assert.True(t, b.Up)

	taps := f.Taps()
	assert.Equal(t, "br0", taps["tap_b"].Bridge)
	assert.Equal(t, "br1", taps["tap_d"].Bridge)
	bridges := f.Bridges()
	require.Len(t, bridges, 2)
	assert.Equal(t, []string{"tap_c", "tap_d"}, bridges[1].Taps)
}

func TestBridgeSkipsNamesTakenOnHost(t *testing.T) {
	f, links := newFabric(t)
	ctx := context.Background()
	require.NoError(t, links.AddBridge("br0"))
	require.NoError(t, f.EnsureTap(ctx, "tap_a", "n1"))
	require.NoError(t, f.EnsureTap(ctx, "tap_b", "n2"))

	name, err := f.Bridge(ctx, "tap_a", "tap_b")
	require.NoError(t, err)
	assert.Equal(t, "br1", name)
}

func TestBridgeRejectsAlreadyBridgedTap(t *testing.T) {
	f, _ := newFabric(t)
	ctx := context.Background()
	for _, tap := range []string{"tap_a", "tap_b", "tap_c"} {
		require.NoError(t, f.EnsureTap(ctx, tap, "n"))
	}
	_, err := f.Bridge(ctx, "tap_a", "tap_b")
	require.NoError(t, err)

	_, err = f.Bridge(ctx, "tap_b", "tap_c")
	assert.ErrorIs(t, err, errs.ErrConflict)
	assert.Len(t, f.Bridges(), 1)
}

func TestBridgeEnslaveFailureRecordsNothing(t *testing.T) {
	f, links := newFabric(t)
	ctx := context.Background()
	require.NoError(t, f.EnsureTap(ctx, "tap_a", "n1"))
	require.NoError(t, f.EnsureTap(ctx, "tap_b", "n2"))

	links.Fail = func(op, name string) error {
		if op == "master" && name == "tap_b" {
			return errors.New("operation not permitted")
		}
		return nil
	}
	_, err := f.Bridge(ctx, "tap_a", "tap_b")
	require.ErrorIs(t, err, errs.ErrNetworkSetupFailed)
	assert.Empty(t, f.Bridges())
	taps := f.Taps()
	assert.Empty(t, taps["tap_a"].Bridge)
	assert.Empty(t, taps["tap_b"].Bridge)

	links.Fail = nil
	name, err := f.Bridge(ctx, "tap_a", "tap_b")
	require.NoError(t, err)
	assert.Equal(t, "br1", name)
	require.Len(t, f.Bridges(), 1)
	assert.Equal(t, []string{"tap_a", "tap_b"}, f.Bridges()[0].Taps)
	assert.Equal(t, "br1", f.Taps()["tap_a"].Bridge)
}

func TestBridgeValidation(t *testing.T) {
	f, _ := newFabric(t)
	ctx := context.Background()
	require.NoError(t, f.EnsureTap(ctx, "tap_a", "n"))

	_, err := f.Bridge(ctx, "tap_a", "tap_a")
	assert.ErrorIs(t, err, errs.ErrInvalidInput)

	_, err = f.Bridge(ctx, "tap_a", "tap_missing")
	assert.ErrorIs(t, err, errs.ErrNetworkSetupFailed)
	assert.Empty(t, f.Bridges())
}

func TestResolveOwner(t *testing.T) {
	uid, err := ResolveOwner("1234")
	require.NoError(t, err)
	assert.Equal(t, uint32(1234), uid)

	uid, err = ResolveOwner("root")
	require.NoError(t, err)
	assert.Equal(t, uint32(0), uid)

	_, err = ResolveOwner("no-such-user-nodelab")
	assert.Error(t, err)
}
