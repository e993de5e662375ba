package bootstrap

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ludoforge/mmocore/internal/config"
	"github.com/ludoforge/mmocore/internal/rpc"
	"github.com/ludoforge/mmocore/internal/storage/memstore"
)

func nodeConfig(port int) config.Core {
	cfg := config.Default()
	cfg.Gateway.BindAddress = "127.0.0.1"
	cfg.Gateway.Port = port
	cfg.Gateway.WSPort = 0
	return cfg
}

func TestCacheEvictPropagatesAcrossNodes(t *testing.T) {
	shared := memstore.New()
	stores := Stores{KV: shared, Sorted: shared, PubSub: shared, Docs: shared}
	ctx := context.Background()

	nodeA := New(nodeConfig(19013), Deps{Stores: stores})
	nodeB := New(nodeConfig(19014), Deps{Stores: stores})
	require.NoError(t, nodeA.Bus.Run(ctx))
	require.NoError(t, nodeB.Bus.Run(ctx))

	type cfgValue struct {
		V string `json:"v"`
	}

	// Node A writes; node B reads v1 through the shared tier.
	require.NoError(t, nodeA.Cache.Put(ctx, "player_config", "99", cfgValue{V: "v1"}))
	var got cfgValue
	found, err := nodeB.Cache.Get(ctx, "player_config", "99", nil, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, "v1", got.V)
	require.Equal(t, 1, nodeB.Cache.LocalLen())

	// Node A evicts; the broadcast clears node B's local copy.
	require.NoError(t, nodeA.Cache.Evict(ctx, "player_config", "99"))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && nodeB.Cache.LocalLen() > 0 {
		time.Sleep(5 * time.Millisecond)
	}
	require.Zero(t, nodeB.Cache.LocalLen(), "remote evict must clear the local tier")

	// The next read on node B goes through the loader.
	loaderCalled := false
	found, err = nodeB.Cache.Get(ctx, "player_config", "99", func(ctx context.Context) (any, error) {
		loaderCalled = true
		return cfgValue{V: "v2"}, nil
	}, &got)
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, loaderCalled)
	require.Equal(t, "v2", got.V)
}

func TestRegisterActorSystemWiresRegistryAndRPC(t *testing.T) {
	rt := New(nodeConfig(19015), Deps{})

	sys := rt.RegisterActorSystem("player",
		nil, nil,
		func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, "pong", false, nil
		},
		func(messageType string, payloadJSON []byte) (any, error) { return string(payloadJSON), nil },
	)
	defer sys.Shutdown(context.Background())

	got, ok := rt.Actors.Get("player")
	require.True(t, ok)
	require.Same(t, sys, got)

	// The system is reachable through the RPC server contract.
	local := rpc.Local(rt.RPCServer)
	resp, err := local.Ask(context.Background(), rpc.AskRequest{
		System: "player", ActorID: "p-1", MessageType: "ping",
		PayloadJSON: `{}`, TimeoutMs: 1000,
	})
	require.NoError(t, err)
	require.True(t, resp.Found)
	require.Equal(t, `"pong"`, resp.ResultJSON)
}

func TestRunAndStop(t *testing.T) {
	cfg := nodeConfig(0)
	rt := New(cfg, Deps{})

	done := make(chan error, 1)
	go func() { done <- rt.Run(context.Background()) }()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && rt.Gateway.Addr() == nil {
		time.Sleep(5 * time.Millisecond)
	}
	require.NotNil(t, rt.Gateway.Addr())

	rt.Stop()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("runtime did not stop")
	}
}
