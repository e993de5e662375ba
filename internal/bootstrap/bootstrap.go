// Package bootstrap assembles the core runtime: every subsystem is
// constructed in topological order (cache → events → actors → transport →
// gateway) by an explicit call, and shutdown walks the same order in
// reverse. No subsystem initializes lazily.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"golang.org/x/sync/errgroup"
	"google.golang.org/grpc"

	"github.com/ludoforge/mmocore/internal/actor"
	"github.com/ludoforge/mmocore/internal/cache"
	"github.com/ludoforge/mmocore/internal/cluster"
	"github.com/ludoforge/mmocore/internal/compensation"
	"github.com/ludoforge/mmocore/internal/config"
	"github.com/ludoforge/mmocore/internal/dispatch"
	"github.com/ludoforge/mmocore/internal/eventbus"
	"github.com/ludoforge/mmocore/internal/gateway"
	"github.com/ludoforge/mmocore/internal/metrics"
	"github.com/ludoforge/mmocore/internal/rank"
	"github.com/ludoforge/mmocore/internal/rpc"
	"github.com/ludoforge/mmocore/internal/session"
	"github.com/ludoforge/mmocore/internal/storage"
	"github.com/ludoforge/mmocore/internal/storage/memstore"
	"github.com/ludoforge/mmocore/internal/trace"
)

// Stores bundles the durable persistence contract implementations the
// runtime is built over. Any nil field falls back to the in-memory store —
// the launcher decides which backends are real.
type Stores struct {
	KV     storage.KVStore
	Sorted storage.SortedSetStore
	PubSub storage.PubSub
	Docs   storage.DocumentStore
}

// Deps are the host-supplied collaborators the core cannot construct
// itself.
type Deps struct {
	Stores Stores
	// Fetcher supplies cluster topology when cluster.enabled and no push
	// source is wired. Nil with clustering enabled means a static
	// single-node ring.
	Fetcher cluster.InstanceFetcher
	// Auth verifies login credentials; nil makes every login fail.
	Auth gateway.AccountAuth
	Log  *slog.Logger
}

// Runtime is the assembled core. Fields are exported so the launcher (and
// business modules during their own boot) can reach every subsystem.
type Runtime struct {
	Cfg     config.Core
	Metrics *metrics.Sink
	Tracer  *trace.Tracer

	Stores       Stores
	Cache        *cache.Tiered
	Bus          *eventbus.Distributed
	Actors       *actor.Registry
	Compensation *compensation.Engine
	Rank         *rank.Index
	Sessions     *session.Registry
	Dispatcher   *dispatch.Registry
	Gateway      *gateway.Server
	Ring         *cluster.Ring
	Watcher      *cluster.Watcher
	RPCServer    *rpc.Server

	nodeID     string
	log        *slog.Logger
	grpcServer *grpc.Server
	cancel     context.CancelFunc
}

// New wires every subsystem in dependency order. Nothing is listening yet
// — call Run to start the transports.
func New(cfg config.Core, deps Deps) *Runtime {
	log := deps.Log
	if log == nil {
		log = slog.Default()
	}

	stores := deps.Stores
	mem := memstore.New()
	if stores.KV == nil {
		stores.KV = mem
	}
	if stores.Sorted == nil {
		stores.Sorted = mem
	}
	if stores.PubSub == nil {
		stores.PubSub = mem
	}
	if stores.Docs == nil {
		stores.Docs = mem
	}

	nodeID := fmt.Sprintf("%s:%d", cfg.Gateway.BindAddress, cfg.Gateway.Port)
	sink := metrics.New()
	tracer := trace.New(nil, "mmocore")

	rt := &Runtime{
		Cfg:     cfg,
		Metrics: sink,
		Tracer:  tracer,
		Stores:  stores,
		nodeID:  nodeID,
		log:     log,
	}

	// Cache first: everything above it reads through it.
	rt.Cache = cache.New(cache.Config{
		Shared:  stores.KV,
		Metrics: sink,
		Log:     log,
		Broadcast: func(ctx context.Context, namespace, key string) {
			if err := rt.Bus.Publish(ctx, eventbus.CacheEvict{Namespace: namespace, Key: key}); err != nil {
				log.Warn("cache evict broadcast failed", "namespace", namespace, "key", key, "error", err)
			}
		},
	})

	// Events second: the cache's cross-node invalidation and the actor
	// layer's change notifications both ride on it.
	rt.Bus = eventbus.NewDistributed(eventbus.NewLocal(), stores.PubSub, nodeID, log)
	rt.Bus.Local().SubscribeType(eventbus.CacheEvict{}.EventType(), func(ev eventbus.Event) {
		evict := ev.(eventbus.CacheEvict)
		rt.Cache.EvictLocal(evict.Namespace, evict.Key)
	})

	// Actors third.
	rt.Actors = actor.NewRegistry()
	rt.Compensation = compensation.New(compensation.Config{
		KV:      stores.KV,
		Metrics: sink,
		Log:     log,
	})
	rt.Rank = rank.New(stores.Sorted)

	// Transport fourth.
	rt.RPCServer = rpc.NewServer()
	rt.Ring = cluster.NewRing(cfg.Cluster.VirtualNodes)

	// Gateway last.
	rt.Sessions = session.NewRegistry(
		cfg.Session.PendingQueueMax,
		time.Duration(cfg.Session.ReconnectGraceMs)*time.Millisecond,
	)
	rt.Dispatcher = dispatch.New(gateway.EncodeJSON, 64, sink, tracer, log)
	rt.Gateway = gateway.New(cfg.Gateway, rt.Sessions, rt.Dispatcher, sink, log)
	rt.Gateway.RegisterLoginFamily(deps.Auth)

	if cfg.Cluster.Enabled {
		if deps.Fetcher == nil {
			rt.Ring.Add(cluster.Node{ID: nodeID})
		}
		rt.Watcher = cluster.NewWatcher(cluster.Config{
			Ring:            rt.Ring,
			Fetcher:         deps.Fetcher,
			RefreshInterval: time.Duration(cfg.Cluster.RefreshIntervalSeconds) * time.Second,
			AutoMigrate:     cfg.Cluster.AutoMigrate,
			SelfNodeID:      nodeID,
			Resident:        rt.residentActors,
			Migrate:         rt.migrateActor,
			Log:             log,
		})
	}

	return rt
}

// RegisterActorSystem builds a System from cfg's actor defaults, registers
// it process-wide and exposes it over the RPC transport.
func (rt *Runtime) RegisterActorSystem(name string, loader actor.Loader, saver actor.Saver, handle actor.Handler, decode rpc.MessageFactory) *actor.System {
	sys := actor.NewSystem(actor.Config{
		Name:         name,
		Loader:       loader,
		Saver:        saver,
		Handle:       handle,
		MailboxSize:  rt.Cfg.Actor.MailboxMaxSize,
		MaxSize:      rt.Cfg.Actor.MaxSystemSize,
		IdleTimeout:  time.Duration(rt.Cfg.Actor.DefaultIdleTimeoutMinutes) * time.Minute,
		SaveInterval: time.Duration(rt.Cfg.Actor.DefaultSaveIntervalSeconds) * time.Second,
		Metrics:      rt.Metrics,
		Log:          rt.log,
	})
	rt.Actors.Register(sys)
	rt.RPCServer.RegisterSystem(name, sys, decode)
	return sys
}

// Run starts the event bus, the compensation worker, the topology
// watcher, the RPC listener and the gateway, then blocks until ctx is
// canceled or a transport fails fatally. On return every subsystem has
// been shut down in reverse boot order.
func (rt *Runtime) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	rt.cancel = cancel
	defer cancel()

	if err := rt.Bus.Run(ctx); err != nil {
		return fmt.Errorf("bootstrap: event bus: %w", err)
	}
	rt.Compensation.Start()

	if rt.Watcher != nil {
		go rt.Watcher.Run(ctx)
	}

	g, gctx := errgroup.WithContext(ctx)

	if rt.Cfg.Cluster.Enabled {
		addr := fmt.Sprintf("%s:%d", rt.Cfg.Gateway.BindAddress, rt.Cfg.Cluster.RPCPort)
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			rt.shutdown()
			return fmt.Errorf("bootstrap: rpc listen %s: %w", addr, err)
		}
		rt.grpcServer = grpc.NewServer()
		rpc.RegisterRemoteActorServer(rt.grpcServer, rt.RPCServer)
		g.Go(func() error {
			rt.log.Info("rpc transport listening", "addr", addr)
			return rt.grpcServer.Serve(ln)
		})
		g.Go(func() error {
			<-gctx.Done()
			rt.grpcServer.GracefulStop()
			return nil
		})
	}

	g.Go(func() error {
		return rt.Gateway.Run(gctx)
	})

	// Session expiry sweep rides on the runtime's own ticker rather than
	// inside the registry, keeping the registry free of goroutines.
	g.Go(func() error {
		interval := time.Duration(rt.Cfg.Session.SweepIntervalMs) * time.Millisecond
		if interval <= 0 {
			interval = session.DefaultSweepInterval
		}
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				return nil
			case now := <-ticker.C:
				if purged := rt.Sessions.SweepExpired(now); purged > 0 {
					rt.log.Debug("purged expired sessions", "count", purged)
				}
			}
		}
	})

	err := g.Wait()
	rt.shutdown()
	if err != nil && ctx.Err() == nil {
		return err
	}
	return nil
}

// shutdown releases subsystems in reverse boot order: gateway →
// transport → actors → events → cache.
func (rt *Runtime) shutdown() {
	rt.Gateway.Close()
	if rt.grpcServer != nil {
		rt.grpcServer.GracefulStop()
	}
	if rt.Watcher != nil {
		rt.Watcher.Stop()
	}

	drainCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	rt.Actors.ShutdownAll(drainCtx)
	rt.Compensation.Stop()
	rt.Cache.EvictAllLocal()
	rt.log.Info("core runtime stopped")
}

// residentActors enumerates every in-memory actor for the topology
// watcher's auto-migrate ownership scan.
func (rt *Runtime) residentActors() []cluster.ResidentActor {
	var out []cluster.ResidentActor
	for _, name := range rt.Actors.Names() {
		sys, ok := rt.Actors.Get(name)
		if !ok {
			continue
		}
		for _, id := range sys.ActorIDs() {
			out = append(out, cluster.ResidentActor{System: name, ActorID: id})
		}
	}
	return out
}

// migrateActor gracefully stops an actor whose ownership moved to another
// node, so the next request for it lands on the winner with fresh state.
func (rt *Runtime) migrateActor(system, actorID string) {
	sys, ok := rt.Actors.Get(system)
	if !ok {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), actor.DefaultDrainDeadline+time.Second)
	defer cancel()
	if sys.StopActor(ctx, actorID) {
		rt.log.Info("actor migrated off this node", "system", system, "actor_id", actorID)
	}
}

// Stop cancels a running Run from another goroutine.
func (rt *Runtime) Stop() {
	if rt.cancel != nil {
		rt.cancel()
	}
}
