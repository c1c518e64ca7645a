package registry

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	clientv3 "go.etcd.io/etcd/client/v3"
	"github.com/rs/zerolog"

	"github.com/adred-codev/imcore/internal/types"
)

// Etcd is the production Backend, grounded on
// kedacore-keda/pkg/scalers/etcd_scaler.go's use of clientv3: one lease
// per (user, device) key under /registry/users/<user>/<device>, renewed
// with KeepAliveOnce and watched with a prefix Watch.
type Etcd struct {
	client     *clientv3.Client
	logger     zerolog.Logger
	maxDevices int
}

// EtcdConfig configures the etcd client.
type EtcdConfig struct {
	Endpoints        []string
	DialTimeout      time.Duration
	MaxDevicesPerUser int
	Logger           zerolog.Logger
}

func NewEtcd(cfg EtcdConfig) (*Etcd, error) {
	if len(cfg.Endpoints) == 0 {
		return nil, fmt.Errorf("at least one etcd endpoint is required")
	}
	dialTimeout := cfg.DialTimeout
	if dialTimeout == 0 {
		dialTimeout = 5 * time.Second
	}

	cli, err := clientv3.New(clientv3.Config{
		Endpoints:   cfg.Endpoints,
		DialTimeout: dialTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("create etcd client: %w", err)
	}

	maxDevices := cfg.MaxDevicesPerUser
	if maxDevices <= 0 {
		maxDevices = 5
	}

	return &Etcd{client: cli, logger: cfg.Logger, maxDevices: maxDevices}, nil
}

func keyFor(userID, deviceID string) string {
	return fmt.Sprintf("/registry/users/%s/%s", userID, deviceID)
}

func prefixFor(userID string) string {
	return fmt.Sprintf("/registry/users/%s/", userID)
}

func (e *Etcd) Register(ctx context.Context, userID, deviceID, endpoint string, leaseTTL time.Duration) (*Handle, error) {
	existing, err := e.Lookup(ctx, userID)
	if err != nil {
		return nil, err
	}
	alreadyPresent := false
	for _, ep := range existing {
		if ep.DeviceID == deviceID {
			alreadyPresent = true
		}
	}
	if !alreadyPresent && len(existing) >= e.maxDevices {
		oldest, err := e.oldestDevice(ctx, userID)
		if err != nil {
			oldest = ""
		}
		return nil, types.NewError(types.CodeResourceExhausted, "device cap exceeded",
			&MaxDevicesError{OldestDevice: oldest})
	}

	lease, err := e.client.Grant(ctx, int64(leaseTTL.Seconds()))
	if err != nil {
		return nil, types.Unavailable(err, "grant lease")
	}

	entry := types.RegistryEntry{
		UserID:          userID,
		DeviceID:        deviceID,
		GatewayEndpoint: endpoint,
		ConnectedAt:     time.Now(),
	}
	value, err := json.Marshal(entry)
	if err != nil {
		return nil, types.Internal(err, "marshal registry entry")
	}

	if _, err := e.client.Put(ctx, keyFor(userID, deviceID), string(value), clientv3.WithLease(lease.ID)); err != nil {
		return nil, types.Unavailable(err, "put registry entry")
	}

	return &Handle{UserID: userID, DeviceID: deviceID, leaseID: int64(lease.ID)}, nil
}

func (e *Etcd) Renew(ctx context.Context, h *Handle) error {
	_, err := e.client.KeepAliveOnce(ctx, clientv3.LeaseID(h.leaseID))
	if err != nil {
		return types.Unavailable(err, "renew lease: lease may have already expired")
	}
	return nil
}

func (e *Etcd) Release(ctx context.Context, h *Handle) error {
	if _, err := e.client.Delete(ctx, keyFor(h.UserID, h.DeviceID)); err != nil {
		return types.Unavailable(err, "release registry entry")
	}
	if _, err := e.client.Revoke(ctx, clientv3.LeaseID(h.leaseID)); err != nil {
		e.logger.Warn().Err(err).Str("user", h.UserID).Str("device", h.DeviceID).Msg("lease revoke failed (likely already expired)")
	}
	return nil
}

func (e *Etcd) Lookup(ctx context.Context, userID string) ([]types.Endpoint, error) {
	resp, err := e.client.Get(ctx, prefixFor(userID), clientv3.WithPrefix())
	if err != nil {
		return nil, types.Unavailable(err, "lookup registry entries")
	}

	out := make([]types.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var entry types.RegistryEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			e.logger.Warn().Err(err).Str("key", string(kv.Key)).Msg("skipping malformed registry entry")
			continue
		}
		deviceID := strings.TrimPrefix(string(kv.Key), prefixFor(userID))
		out = append(out, types.Endpoint{DeviceID: deviceID, GatewayEndpoint: entry.GatewayEndpoint})
	}
	return out, nil
}

func (e *Etcd) oldestDevice(ctx context.Context, userID string) (string, error) {
	resp, err := e.client.Get(ctx, prefixFor(userID), clientv3.WithPrefix())
	if err != nil {
		return "", err
	}
	var oldestDevice string
	var oldestAt time.Time
	for _, kv := range resp.Kvs {
		var entry types.RegistryEntry
		if err := json.Unmarshal(kv.Value, &entry); err != nil {
			continue
		}
		if oldestDevice == "" || entry.ConnectedAt.Before(oldestAt) {
			oldestDevice = entry.DeviceID
			oldestAt = entry.ConnectedAt
		}
	}
	return oldestDevice, nil
}

// Watch streams added/removed events for a user's devices, translating
// etcd's put/delete event kinds into the Registry's {added, removed}
// vocabulary until ctx is cancelled.
func (e *Etcd) Watch(ctx context.Context, userID string) (<-chan Event, error) {
	out := make(chan Event, 16)
	watchCh := e.client.Watch(ctx, prefixFor(userID), clientv3.WithPrefix())

	go func() {
		defer close(out)
		for wresp := range watchCh {
			if err := wresp.Err(); err != nil {
				e.logger.Warn().Err(err).Str("user", userID).Msg("registry watch error")
				continue
			}
			for _, ev := range wresp.Events {
				deviceID := strings.TrimPrefix(string(ev.Kv.Key), prefixFor(userID))
				switch ev.Type {
				case clientv3.EventTypePut:
					var entry types.RegistryEntry
					if err := json.Unmarshal(ev.Kv.Value, &entry); err == nil {
						out <- Event{Added: true, Device: deviceID, Entry: entry}
					}
				case clientv3.EventTypeDelete:
					out <- Event{Added: false, Device: deviceID}
				}
			}
		}
	}()

	return out, nil
}

func (e *Etcd) Close() error {
	return e.client.Close()
}
