package fanout

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
)

// StaticMembership is a process-wiring placeholder for the group
// membership service named in spec.md §9 ("the read-receipt subsystem,
// an audit/GDPR deletion surface, and flash-sale inventory all live
// alongside but are not part of this core"): group CRUD is an external
// collaborator, so cmd/router needs some GroupMembership to run standalone
// without one. It loads a fixed groupID->members map from a JSON file
// once at startup and never changes it; a real deployment replaces this
// with an RPC client to the actual group-membership service.
type StaticMembership struct {
	mu      sync.RWMutex
	members map[string][]string
}

// NewStaticMembership reads a JSON object of {"group_id": ["user1","user2"]}
// from path. A missing or empty path yields an empty membership table
// (every group resolves to no members, i.e. a no-op fan-out).
func NewStaticMembership(path string) (*StaticMembership, error) {
	sm := &StaticMembership{members: map[string][]string{}}
	if path == "" {
		return sm, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return sm, nil
		}
		return nil, fmt.Errorf("read membership file: %w", err)
	}
	if err := json.Unmarshal(data, &sm.members); err != nil {
		return nil, fmt.Errorf("parse membership file: %w", err)
	}
	return sm, nil
}

func (sm *StaticMembership) Members(_ context.Context, groupID string) ([]string, error) {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return append([]string(nil), sm.members[groupID]...), nil
}
