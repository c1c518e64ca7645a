package rpc

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adred-codev/imcore/internal/types"
)

func TestClientRoutePrivateRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	result, err := client.RoutePrivate(context.Background(), "alice", "bob", "m1", []byte(`"hi"`), 1000)
	require.NoError(t, err)
	assert.EqualValues(t, 1, result.Sequence)
	assert.Equal(t, types.PathSlow, result.Path)
}

func TestClientRoutePrivatePropagatesInvalidArgument(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := client.RoutePrivate(context.Background(), "alice", "bob", "", []byte(`"hi"`), 1000)
	require.Error(t, err)
	assert.Equal(t, types.CodeInvalidArgument, types.CodeOf(err))
}

func TestClientGetMessageStatusNotFound(t *testing.T) {
	srv := newTestServer(t)
	defer srv.Close()

	client := NewClient(ClientConfig{BaseURL: srv.URL})
	_, err := client.GetMessageStatus(context.Background(), "missing")
	require.Error(t, err)
	assert.Equal(t, types.CodeNotFound, types.CodeOf(err))
}
