package registry

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/adred-codev/imcore/internal/types"
)

type memoryEntry struct {
	entry    types.RegistryEntry
	expires  time.Time
	leaseTTL time.Duration
	leaseSeq int64
}

// Memory is an in-process Backend used by unit tests, the fan-out
// consumer's integration tests, and single-process demos. It implements
// TTL expiry and the eviction policy without any external dependency.
type Memory struct {
	mu          sync.Mutex
	users       map[string]map[string]*memoryEntry // userID -> deviceID -> entry
	maxDevices  int
	leaseSeq    int64
	subscribers map[string][]chan Event // userID -> watchers
}

// NewMemory builds a Memory backend with the given per-user device cap.
func NewMemory(maxDevicesPerUser int) *Memory {
	return &Memory{
		users:       make(map[string]map[string]*memoryEntry),
		maxDevices:  maxDevicesPerUser,
		subscribers: make(map[string][]chan Event),
	}
}

func (m *Memory) Register(ctx context.Context, userID, deviceID, endpoint string, leaseTTL time.Duration) (*Handle, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.users[userID]
	if !ok {
		devices = make(map[string]*memoryEntry)
		m.users[userID] = devices
	}
	m.purgeExpiredLocked(userID)

	if _, exists := devices[deviceID]; !exists && len(devices) >= m.maxDevices {
		oldest := m.oldestDeviceLocked(devices)
		return nil, types.NewError(types.CodeResourceExhausted, "device cap exceeded",
			&MaxDevicesError{OldestDevice: oldest})
	}

	m.leaseSeq++
	now := time.Now()
	ent := &memoryEntry{
		entry: types.RegistryEntry{
			UserID:          userID,
			DeviceID:        deviceID,
			GatewayEndpoint: endpoint,
			ConnectedAt:     now,
		},
		expires:  now.Add(leaseTTL),
		leaseTTL: leaseTTL,
		leaseSeq: m.leaseSeq,
	}
	_, existed := devices[deviceID]
	devices[deviceID] = ent

	if !existed {
		m.notifyLocked(userID, Event{Added: true, Device: deviceID, Entry: ent.entry})
	}

	return &Handle{UserID: userID, DeviceID: deviceID, leaseID: ent.leaseSeq}, nil
}

func (m *Memory) oldestDeviceLocked(devices map[string]*memoryEntry) string {
	type kv struct {
		device string
		at     time.Time
	}
	var all []kv
	for d, e := range devices {
		all = append(all, kv{d, e.entry.ConnectedAt})
	}
	sort.Slice(all, func(i, j int) bool { return all[i].at.Before(all[j].at) })
	if len(all) == 0 {
		return ""
	}
	return all[0].device
}

func (m *Memory) Renew(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.users[h.UserID]
	if !ok {
		return types.Unavailable(nil, "lease expired")
	}
	ent, ok := devices[h.DeviceID]
	if !ok || ent.leaseSeq != h.leaseID || time.Now().After(ent.expires) {
		return types.Unavailable(nil, "lease expired")
	}
	ent.expires = time.Now().Add(ent.leaseTTL)
	return nil
}

func (m *Memory) Release(ctx context.Context, h *Handle) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	devices, ok := m.users[h.UserID]
	if !ok {
		return nil
	}
	if ent, ok := devices[h.DeviceID]; ok && ent.leaseSeq == h.leaseID {
		delete(devices, h.DeviceID)
		m.notifyLocked(h.UserID, Event{Added: false, Device: h.DeviceID, Entry: ent.entry})
	}
	return nil
}

func (m *Memory) Lookup(ctx context.Context, userID string) ([]types.Endpoint, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.purgeExpiredLocked(userID)
	devices := m.users[userID]
	out := make([]types.Endpoint, 0, len(devices))
	for d, e := range devices {
		out = append(out, types.Endpoint{DeviceID: d, GatewayEndpoint: e.entry.GatewayEndpoint})
	}
	return out, nil
}

func (m *Memory) Watch(ctx context.Context, userID string) (<-chan Event, error) {
	m.mu.Lock()
	ch := make(chan Event, 16)
	m.subscribers[userID] = append(m.subscribers[userID], ch)
	m.mu.Unlock()

	go func() {
		<-ctx.Done()
		m.mu.Lock()
		defer m.mu.Unlock()
		subs := m.subscribers[userID]
		for i, s := range subs {
			if s == ch {
				m.subscribers[userID] = append(subs[:i], subs[i+1:]...)
				break
			}
		}
		close(ch)
	}()

	return ch, nil
}

func (m *Memory) Close() error { return nil }

// purgeExpiredLocked removes entries past their lease TTL and emits
// "removed" events — it must be called with m.mu held, modeling §4.1's
// "no stale entries beyond lease TTL" guarantee for Lookup without
// requiring a background sweep goroutine in tests.
func (m *Memory) purgeExpiredLocked(userID string) {
	devices, ok := m.users[userID]
	if !ok {
		return
	}
	now := time.Now()
	for d, e := range devices {
		if now.After(e.expires) {
			delete(devices, d)
			m.notifyLocked(userID, Event{Added: false, Device: d, Entry: e.entry})
		}
	}
}

func (m *Memory) notifyLocked(userID string, ev Event) {
	for _, ch := range m.subscribers[userID] {
		select {
		case ch <- ev:
		default:
		}
	}
}
