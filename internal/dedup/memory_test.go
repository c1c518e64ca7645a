package dedup

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestCheckAndMarkIdempotence exercises property P4 (Dedup idempotence):
// the first CheckAndMark for a key reports "not a duplicate", every
// subsequent call for the same key within the TTL reports "duplicate".
func TestCheckAndMarkIdempotence(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	dup, err := s.CheckAndMark(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = s.CheckAndMark(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, dup)

	dup, err = s.CheckAndMark(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestIsDuplicateWithoutMarking(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	dup, err := s.IsDuplicate(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = s.CheckAndMark(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup)

	dup, err = s.IsDuplicate(ctx, "msg-1")
	require.NoError(t, err)
	assert.True(t, dup)
}

func TestCheckAndMarkExpiresAfterTTL(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	dup, err := s.CheckAndMark(ctx, "msg-1", 10*time.Millisecond)
	require.NoError(t, err)
	assert.False(t, dup)

	time.Sleep(20 * time.Millisecond)

	dup, err = s.CheckAndMark(ctx, "msg-1", time.Minute)
	require.NoError(t, err)
	assert.False(t, dup, "expired entry must not be treated as a duplicate")
}

// TestCheckAndMarkConcurrentExactlyOneWinner exercises the atomicity of
// check-and-mark: under concurrent calls for the same key, exactly one
// caller must observe "not a duplicate".
func TestCheckAndMarkConcurrentExactlyOneWinner(t *testing.T) {
	s := NewMemory()
	ctx := context.Background()

	const n = 100
	results := make([]bool, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(idx int) {
			defer wg.Done()
			dup, err := s.CheckAndMark(ctx, "msg-1", time.Minute)
			require.NoError(t, err)
			results[idx] = dup
		}(i)
	}
	wg.Wait()

	notDuplicateCount := 0
	for _, dup := range results {
		if !dup {
			notDuplicateCount++
		}
	}
	assert.Equal(t, 1, notDuplicateCount)
}
