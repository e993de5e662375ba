package cluster

import (
	"context"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"
)

// DefaultRefreshInterval is the default pull-mode polling cadence
// (cluster.refreshIntervalSeconds).
const DefaultRefreshInterval = 30 * time.Second

// Instance is one node as reported by an InstanceFetcher: host/port plus
// free-form metadata, of which "actorSystems" (comma-separated) is
// recognized.
type Instance struct {
	Host     string
	Port     int
	Metadata map[string]string
}

// InstanceFetcher is the pluggable discovery backend contract. No
// specific registry is required; a host wires whatever discovery
// mechanism it has (static file, DNS, Consul, k8s endpoints, ...) behind
// this one method.
type InstanceFetcher interface {
	FetchInstances(ctx context.Context) ([]Instance, error)
}

// MigrateFunc is invoked once per entity id whose owning node changed, so
// the caller can gracefully stop (and flush) the actor on the losing node
// when cluster.autoMigrate is enabled. It receives the actor system name
// and the actor id.
type MigrateFunc func(system, actorID string)

// ResidentEntities returns the (system, actorID) pairs currently resident
// in this process, so the watcher can tell which ones lost ownership after
// a rebuild. Typically backed by actor.System.ActorIDs over every
// registered actor system.
type ResidentEntities func() []ResidentActor

// ResidentActor names one in-memory actor the auto-migrate scan should
// check for an ownership change.
type ResidentActor struct {
	System  string
	ActorID string
}

// Watcher keeps a Ring's node set current, in either push mode
// (OnInstancesChanged) or pull mode (a goroutine calling FetchInstances on
// an interval). On any update it diffs against the last known node set; an
// identical set is a no-op.
type Watcher struct {
	ring     *Ring
	log      *slog.Logger
	fetcher  InstanceFetcher
	interval time.Duration

	selfNodeID string
	autoMigrate bool
	migrate     MigrateFunc
	resident    ResidentEntities

	mu   sync.Mutex
	last map[string]struct{}

	stop chan struct{}
	wg   sync.WaitGroup
}

// Config bundles Watcher construction parameters.
type Config struct {
	Ring            *Ring
	Fetcher         InstanceFetcher
	RefreshInterval time.Duration
	AutoMigrate     bool
	Migrate         MigrateFunc
	// SelfNodeID identifies this process on the ring; auto-migrate only
	// stops actors that moved away from SelfNodeID ("the losing node").
	SelfNodeID string
	// Resident enumerates this node's in-memory actors for the
	// auto-migrate ownership scan. Nil disables auto-migrate even if
	// AutoMigrate is true.
	Resident ResidentEntities
	Log      *slog.Logger
}

// NewWatcher builds a Watcher. Call Run to start pull-mode polling (no-op
// if Fetcher is nil, in which case the caller drives OnInstancesChanged
// manually — push mode).
func NewWatcher(cfg Config) *Watcher {
	if cfg.RefreshInterval <= 0 {
		cfg.RefreshInterval = DefaultRefreshInterval
	}
	if cfg.Log == nil {
		cfg.Log = slog.Default()
	}
	return &Watcher{
		ring:        cfg.Ring,
		log:         cfg.Log,
		fetcher:     cfg.Fetcher,
		interval:    cfg.RefreshInterval,
		selfNodeID:  cfg.SelfNodeID,
		autoMigrate: cfg.AutoMigrate,
		migrate:     cfg.Migrate,
		resident:    cfg.Resident,
		last:        make(map[string]struct{}),
		stop:        make(chan struct{}),
	}
}

// Run starts the pull-mode polling loop. No-op if no Fetcher was
// configured (pure push-mode usage).
func (w *Watcher) Run(ctx context.Context) {
	if w.fetcher == nil {
		return
	}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-w.stop:
				return
			case <-ticker.C:
				instances, err := w.fetcher.FetchInstances(ctx)
				if err != nil {
					w.log.Warn("cluster: fetch instances failed", "error", err)
					continue
				}
				w.OnInstancesChanged(instancesToNodes(instances))
			}
		}
	}()
}

// Stop halts the pull-mode polling loop, if running.
func (w *Watcher) Stop() {
	select {
	case <-w.stop:
	default:
		close(w.stop)
	}
	w.wg.Wait()
}

// OnInstancesChanged is the push-mode entry point: the caller (a discovery
// client callback) reports the full current node list. Computes the
// set-difference against the last known set; identical sets are a no-op.
// Otherwise rebuilds the ring and logs added/removed node ids.
func (w *Watcher) OnInstancesChanged(nodes []Node) {
	w.mu.Lock()
	defer w.mu.Unlock()

	next := make(map[string]struct{}, len(nodes))
	for _, n := range nodes {
		next[n.ID] = struct{}{}
	}
	if setsEqual(w.last, next) {
		return
	}

	added, removed := diff(w.last, next)
	w.log.Info("cluster: topology changed", "added", added, "removed", removed)

	var before map[string]struct{}
	if w.autoMigrate && w.resident != nil {
		before = w.ownershipSnapshot()
	}

	w.ring.Rebuild(nodes)
	w.last = next

	if before != nil {
		w.migrateIfOwnerChanged(before)
	}
}

// ownershipSnapshot records, for every resident actor currently owned by
// this node, the key used to re-check ownership after the rebuild.
func (w *Watcher) ownershipSnapshot() map[string]struct{} {
	owned := make(map[string]struct{})
	for _, ra := range w.resident() {
		if n, ok := w.ring.Route(ra.ActorID); ok && n.ID == w.selfNodeID {
			owned[ra.System+"/"+ra.ActorID] = struct{}{}
		}
	}
	return owned
}

// migrateIfOwnerChanged re-routes every previously self-owned resident
// actor against the now-rebuilt ring and stops the ones that moved to
// another node, so the next request for them lands on the winner.
func (w *Watcher) migrateIfOwnerChanged(before map[string]struct{}) {
	for _, ra := range w.resident() {
		key := ra.System + "/" + ra.ActorID
		if _, wasOwned := before[key]; !wasOwned {
			continue
		}
		n, ok := w.ring.Route(ra.ActorID)
		if ok && n.ID == w.selfNodeID {
			continue
		}
		if w.migrate != nil {
			w.migrate(ra.System, ra.ActorID)
		}
	}
}

func instancesToNodes(instances []Instance) []Node {
	nodes := make([]Node, 0, len(instances))
	for _, inst := range instances {
		var systems []string
		if v, ok := inst.Metadata["actorSystems"]; ok && v != "" {
			systems = splitComma(v)
		}
		nodes = append(nodes, Node{
			ID:           nodeID(inst),
			ActorSystems: systems,
			Weight:       1,
		})
	}
	return nodes
}

func nodeID(inst Instance) string {
	return inst.Host + ":" + strconv.Itoa(inst.Port)
}

func splitComma(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, len(parts))
	for i, p := range parts {
		out[i] = strings.TrimSpace(p)
	}
	return out
}

func setsEqual(a, b map[string]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for k := range a {
		if _, ok := b[k]; !ok {
			return false
		}
	}
	return true
}

func diff(old, next map[string]struct{}) (added, removed []string) {
	for k := range next {
		if _, ok := old[k]; !ok {
			added = append(added, k)
		}
	}
	for k := range old {
		if _, ok := next[k]; !ok {
			removed = append(removed, k)
		}
	}
	return added, removed
}
