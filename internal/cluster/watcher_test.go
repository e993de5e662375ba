package cluster

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

type staticFetcher struct {
	nodes []Node
}

func (f *staticFetcher) FetchInstances(ctx context.Context) ([]Instance, error) {
	out := make([]Instance, 0, len(f.nodes))
	for _, n := range f.nodes {
		host := n.ID
		out = append(out, Instance{Host: host, Port: 0, Metadata: map[string]string{}})
	}
	return out, nil
}

func TestWatcherOnInstancesChangedNoopOnIdenticalSet(t *testing.T) {
	r := NewRing(160)
	w := NewWatcher(Config{Ring: r})

	w.OnInstancesChanged([]Node{{ID: "a:1"}, {ID: "b:1"}})
	n1, _ := r.Route("x")

	w.OnInstancesChanged([]Node{{ID: "b:1"}, {ID: "a:1"}})
	n2, _ := r.Route("x")

	require.Equal(t, n1.ID, n2.ID)
}

func TestWatcherAutoMigrateStopsMovedActors(t *testing.T) {
	r := NewRing(160)
	w := NewWatcher(Config{Ring: r})
	w.OnInstancesChanged([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})

	var ownedIDs []string
	for i := 0; i < 500; i++ {
		id := stringID(i)
		if n, ok := r.Route(id); ok && n.ID == "a:1" {
			ownedIDs = append(ownedIDs, id)
		}
	}
	require.NotEmpty(t, ownedIDs)

	var migrated []string
	w2 := NewWatcher(Config{
		Ring:        r,
		SelfNodeID:  "a:1",
		AutoMigrate: true,
		Migrate: func(system, actorID string) {
			migrated = append(migrated, actorID)
		},
		Resident: func() []ResidentActor {
			out := make([]ResidentActor, len(ownedIDs))
			for i, id := range ownedIDs {
				out[i] = ResidentActor{System: "player", ActorID: id}
			}
			return out
		},
	})
	w2.OnInstancesChanged([]Node{{ID: "a:1"}, {ID: "b:1"}, {ID: "c:1"}})
	w2.last = map[string]struct{}{"a:1": {}, "b:1": {}, "c:1": {}}

	w2.OnInstancesChanged([]Node{{ID: "b:1"}, {ID: "c:1"}})

	require.NotEmpty(t, migrated)
	for _, id := range migrated {
		require.Contains(t, ownedIDs, id)
	}
}

func stringID(i int) string {
	return fmt.Sprintf("entity-%d", i)
}
