package eventbus

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/ludoforge/mmocore/internal/storage/memstore"
)

func TestLocalBusDeliversInSubscriptionOrder(t *testing.T) {
	bus := NewLocal()

	var order []string
	bus.SubscribeType("player.online", func(ev Event) { order = append(order, "first") })
	bus.SubscribeType("player.online", func(ev Event) { order = append(order, "second") })
	bus.SubscribeType("player.offline", func(ev Event) { order = append(order, "never") })

	bus.Publish(PlayerOnline{RoleID: 1})
	require.Equal(t, []string{"first", "second"}, order)
}

func TestLocalBusUnsubscribe(t *testing.T) {
	bus := NewLocal()
	calls := 0
	unsub := bus.SubscribeType("guild.dissolve", func(ev Event) { calls++ })

	bus.Publish(GuildDissolve{GuildID: 1})
	unsub()
	bus.Publish(GuildDissolve{GuildID: 2})
	require.Equal(t, 1, calls)
}

func TestLocalBusPredicate(t *testing.T) {
	bus := NewLocal()
	var got []int64
	bus.Subscribe(func(ev Event) bool {
		ch, ok := ev.(GuildMemberChange)
		return ok && ch.Action == "join"
	}, func(ev Event) {
		got = append(got, ev.(GuildMemberChange).RoleID)
	})

	bus.Publish(GuildMemberChange{GuildID: 1, RoleID: 10, Action: "join"})
	bus.Publish(GuildMemberChange{GuildID: 1, RoleID: 11, Action: "leave"})
	require.Equal(t, []int64{10}, got)
}

// waitFor polls until cond holds or the deadline passes. The memstore
// pub/sub delivers on its own goroutine, so cross-"node" tests need a
// small settle window.
func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestDistributedBroadcastReachesOtherNodes(t *testing.T) {
	shared := memstore.New()
	ctx := context.Background()

	nodeA := NewDistributed(NewLocal(), shared, "10.0.0.1:9013", nil)
	nodeB := NewDistributed(NewLocal(), shared, "10.0.0.2:9013", nil)
	require.NoError(t, nodeA.Run(ctx))
	require.NoError(t, nodeB.Run(ctx))

	var mu sync.Mutex
	var gotA, gotB []CacheEvict
	nodeA.Local().SubscribeType("cache.evict", func(ev Event) {
		mu.Lock()
		gotA = append(gotA, ev.(CacheEvict))
		mu.Unlock()
	})
	nodeB.Local().SubscribeType("cache.evict", func(ev Event) {
		mu.Lock()
		gotB = append(gotB, ev.(CacheEvict))
		mu.Unlock()
	})

	require.NoError(t, nodeA.Publish(ctx, CacheEvict{Namespace: "player_config", Key: "99"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(gotB) == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, CacheEvict{Namespace: "player_config", Key: "99"}, gotB[0])
	// The publisher delivers locally exactly once: its own broadcast echo is
	// dropped by the source-node filter.
	require.Len(t, gotA, 1)
}

func TestDistributedTargetedDelivery(t *testing.T) {
	shared := memstore.New()
	ctx := context.Background()

	nodeA := NewDistributed(NewLocal(), shared, "a:1", nil)
	nodeB := NewDistributed(NewLocal(), shared, "b:1", nil)
	nodeC := NewDistributed(NewLocal(), shared, "c:1", nil)
	require.NoError(t, nodeA.Run(ctx))
	require.NoError(t, nodeB.Run(ctx))
	require.NoError(t, nodeC.Run(ctx))

	var mu sync.Mutex
	counts := map[string]int{}
	sub := func(node *Distributed, name string) {
		node.Local().SubscribeType("maintenance.notice", func(ev Event) {
			mu.Lock()
			counts[name]++
			mu.Unlock()
		})
	}
	sub(nodeA, "a")
	sub(nodeB, "b")
	sub(nodeC, "c")

	require.NoError(t, nodeA.PublishTo(ctx, "b:1", MaintenanceNotice{Message: "restart soon"}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return counts["b"] == 1
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, 0, counts["a"])
	require.Equal(t, 0, counts["c"])
}

func TestDistributedGenericRoundTrip(t *testing.T) {
	shared := memstore.New()
	ctx := context.Background()

	nodeA := NewDistributed(NewLocal(), shared, "a:1", nil)
	nodeB := NewDistributed(NewLocal(), shared, "b:1", nil)
	require.NoError(t, nodeA.Run(ctx))
	require.NoError(t, nodeB.Run(ctx))

	var mu sync.Mutex
	var got *Generic
	nodeB.Local().SubscribeType("generic.season_reset", func(ev Event) {
		mu.Lock()
		g := ev.(Generic)
		got = &g
		mu.Unlock()
	})

	require.NoError(t, nodeA.Publish(ctx, Generic{Type: "season_reset", Data: map[string]string{"season": "12"}}))

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return got != nil
	})

	mu.Lock()
	defer mu.Unlock()
	require.Equal(t, "12", got.Data["season"])
}
