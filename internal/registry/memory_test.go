package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/types"
)

func TestMemoryRegisterLookupRelease(t *testing.T) {
	m := NewMemory(5)
	ctx := context.Background()

	h, err := m.Register(ctx, "alice", "phone", "gw-1", time.Minute)
	require.NoError(t, err)
	require.NotNil(t, h)

	eps, err := m.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "phone", eps[0].DeviceID)
	assert.Equal(t, "gw-1", eps[0].GatewayEndpoint)

	require.NoError(t, m.Release(ctx, h))
	eps, err = m.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestMemoryDeviceCapNamesOldestForEviction(t *testing.T) {
	m := NewMemory(2)
	ctx := context.Background()

	_, err := m.Register(ctx, "alice", "d1", "gw-1", time.Minute)
	require.NoError(t, err)
	time.Sleep(time.Millisecond)
	_, err = m.Register(ctx, "alice", "d2", "gw-1", time.Minute)
	require.NoError(t, err)

	_, err = m.Register(ctx, "alice", "d3", "gw-1", time.Minute)
	require.Error(t, err)
	assert.Equal(t, types.CodeResourceExhausted, types.CodeOf(err))

	var maxErr *MaxDevicesError
	require.ErrorAs(t, err, &maxErr)
	assert.Equal(t, "d1", maxErr.OldestDevice)
}

func TestMemoryRegisterSameDeviceDoesNotCountTwice(t *testing.T) {
	m := NewMemory(1)
	ctx := context.Background()

	_, err := m.Register(ctx, "alice", "d1", "gw-1", time.Minute)
	require.NoError(t, err)

	_, err = m.Register(ctx, "alice", "d1", "gw-2", time.Minute)
	require.NoError(t, err)

	eps, err := m.Lookup(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, eps, 1)
	assert.Equal(t, "gw-2", eps[0].GatewayEndpoint)
}

func TestMemoryRenewExtendsLease(t *testing.T) {
	m := NewMemory(5)
	ctx := context.Background()

	h, err := m.Register(ctx, "alice", "d1", "gw-1", 20*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(12 * time.Millisecond)
	require.NoError(t, m.Renew(ctx, h))

	time.Sleep(12 * time.Millisecond)
	eps, err := m.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Len(t, eps, 1, "renewed lease should still be live")
}

func TestMemoryLeaseExpiresWithoutRenewal(t *testing.T) {
	m := NewMemory(5)
	ctx := context.Background()

	_, err := m.Register(ctx, "alice", "d1", "gw-1", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	eps, err := m.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestMemoryRenewAfterExpiryFails(t *testing.T) {
	m := NewMemory(5)
	ctx := context.Background()

	h, err := m.Register(ctx, "alice", "d1", "gw-1", 5*time.Millisecond)
	require.NoError(t, err)

	time.Sleep(15 * time.Millisecond)
	err = m.Renew(ctx, h)
	require.Error(t, err)
	assert.Equal(t, types.CodeUnavailable, types.CodeOf(err))
}

func TestMemoryWatchEmitsAddedAndRemoved(t *testing.T) {
	m := NewMemory(5)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	events, err := m.Watch(ctx, "alice")
	require.NoError(t, err)

	h, err := m.Register(ctx, "alice", "d1", "gw-1", time.Minute)
	require.NoError(t, err)

	select {
	case ev := <-events:
		assert.True(t, ev.Added)
		assert.Equal(t, "d1", ev.Device)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for added event")
	}

	require.NoError(t, m.Release(ctx, h))

	select {
	case ev := <-events:
		assert.False(t, ev.Added)
		assert.Equal(t, "d1", ev.Device)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for removed event")
	}
}
