package limits

import (
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
)

func TestShouldAcceptConnectionRejectsAtMaxConnections(t *testing.T) {
	var conns int64 = 10
	g := NewGuard(Config{MaxConnections: 10, MaxGoroutines: 1000, CPURejectThreshold: 90}, zerolog.Nop(), &conns)

	accept, reason := g.ShouldAcceptConnection()
	assert.False(t, accept)
	assert.Equal(t, "at max connections", reason)
}

func TestShouldAcceptConnectionAllowsUnderLimits(t *testing.T) {
	var conns int64 = 1
	g := NewGuard(Config{MaxConnections: 10, MaxGoroutines: 1000, CPURejectThreshold: 90}, zerolog.Nop(), &conns)

	accept, reason := g.ShouldAcceptConnection()
	assert.True(t, accept)
	assert.Equal(t, "OK", reason)
}

func TestGoroutineLimiterCapsConcurrency(t *testing.T) {
	gl := NewGoroutineLimiter(2)
	assert.True(t, gl.Acquire())
	assert.True(t, gl.Acquire())
	assert.False(t, gl.Acquire())

	gl.Release()
	assert.True(t, gl.Acquire())
}

func TestConnectionRateLimiterEnforcesPerIPBurst(t *testing.T) {
	crl := NewConnectionRateLimiter(RateLimiterConfig{IPBurst: 2, IPRate: 0.001, GlobalBurst: 100, GlobalRate: 1000})
	defer crl.Stop()

	assert.True(t, crl.Allow("1.2.3.4"))
	assert.True(t, crl.Allow("1.2.3.4"))
	assert.False(t, crl.Allow("1.2.3.4"))
	// A different IP has its own bucket.
	assert.True(t, crl.Allow("5.6.7.8"))
}
