package eventbus

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/ludoforge/mmocore/internal/storage"
)

// BroadcastChannel is the shared pub/sub channel every node listens on.
const BroadcastChannel = "event:broadcast"

// ServiceChannel returns the targeted channel for one service/node name.
func ServiceChannel(target string) string {
	return "event:service:" + target
}

// envelope is the wire form of a cross-node event.
type envelope struct {
	ClassName  string          `json:"class_name"`
	JSONData   json.RawMessage `json:"json_data"`
	SourceNode string          `json:"source_node"`
	Timestamp  int64           `json:"timestamp"`
}

// Factory constructs an empty event value for JSON decoding. Pointer
// factories work too — the bus dereferences before local delivery.
type Factory func() Event

// Distributed wraps a LocalBus with cross-node fan-out over the shared
// pub/sub channel. Received events whose source is this node are dropped;
// per-publisher FIFO is not guaranteed across the network, so handlers
// must be idempotent.
type Distributed struct {
	local  *LocalBus
	pubsub storage.PubSub
	nodeID string
	log    *slog.Logger

	mu        sync.RWMutex
	factories map[string]Factory
}

// NewDistributed wraps local with cross-node delivery via pubsub. nodeID
// must be unique per process (host:port of this node).
func NewDistributed(local *LocalBus, pubsub storage.PubSub, nodeID string, log *slog.Logger) *Distributed {
	if log == nil {
		log = slog.Default()
	}
	d := &Distributed{
		local:     local,
		pubsub:    pubsub,
		nodeID:    nodeID,
		log:       log,
		factories: make(map[string]Factory),
	}
	d.registerBuiltins()
	return d
}

// Local returns the wrapped in-process bus for subscriptions.
func (d *Distributed) Local() *LocalBus { return d.local }

// Register adds a class-name → factory mapping used to reconstruct
// received events. Events with unregistered class names are dropped with a
// warning.
func (d *Distributed) Register(eventType string, factory Factory) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.factories[eventType] = factory
}

func (d *Distributed) registerBuiltins() {
	d.factories[ConfigReload{}.EventType()] = func() Event { return &ConfigReload{} }
	d.factories[CacheEvict{}.EventType()] = func() Event { return &CacheEvict{} }
	d.factories[ActivityChange{}.EventType()] = func() Event { return &ActivityChange{} }
	d.factories[PlayerOnline{}.EventType()] = func() Event { return &PlayerOnline{} }
	d.factories[PlayerOffline{}.EventType()] = func() Event { return &PlayerOffline{} }
	d.factories[PlayerChange{}.EventType()] = func() Event { return &PlayerChange{} }
	d.factories[GuildMemberChange{}.EventType()] = func() Event { return &GuildMemberChange{} }
	d.factories[GuildDissolve{}.EventType()] = func() Event { return &GuildDissolve{} }
	d.factories[MaintenanceNotice{}.EventType()] = func() Event { return &MaintenanceNotice{} }
}

// Run subscribes to the broadcast channel and this node's targeted channel
// and pumps received events into the local bus until ctx is canceled.
func (d *Distributed) Run(ctx context.Context) error {
	if err := d.pubsub.Subscribe(ctx, BroadcastChannel, d.receive); err != nil {
		return fmt.Errorf("eventbus: subscribe broadcast: %w", err)
	}
	if err := d.pubsub.Subscribe(ctx, ServiceChannel(d.nodeID), d.receive); err != nil {
		return fmt.Errorf("eventbus: subscribe %s: %w", ServiceChannel(d.nodeID), err)
	}
	return nil
}

// Publish delivers ev locally, then broadcasts it to every other node.
func (d *Distributed) Publish(ctx context.Context, ev Event) error {
	d.local.Publish(ev)
	return d.send(ctx, BroadcastChannel, ev)
}

// PublishTo delivers ev only to the named target node's service channel;
// nothing is delivered locally unless target is this node.
func (d *Distributed) PublishTo(ctx context.Context, target string, ev Event) error {
	if target == d.nodeID {
		d.local.Publish(ev)
		return nil
	}
	return d.send(ctx, ServiceChannel(target), ev)
}

func (d *Distributed) send(ctx context.Context, channel string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("eventbus: marshal %s: %w", ev.EventType(), err)
	}
	env := envelope{
		ClassName:  ev.EventType(),
		JSONData:   data,
		SourceNode: d.nodeID,
		Timestamp:  time.Now().UnixMilli(),
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("eventbus: marshal envelope: %w", err)
	}
	if err := d.pubsub.Publish(ctx, channel, payload); err != nil {
		return fmt.Errorf("eventbus: publish %s: %w", channel, err)
	}
	return nil
}

func (d *Distributed) receive(payload []byte) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		d.log.Warn("dropping malformed event envelope", "error", err)
		return
	}
	if env.SourceNode == d.nodeID {
		return
	}

	ev, ok := d.reconstruct(env)
	if !ok {
		d.log.Warn("dropping event with unregistered class", "class", env.ClassName, "source", env.SourceNode)
		return
	}
	d.local.Publish(ev)
}

func (d *Distributed) reconstruct(env envelope) (Event, bool) {
	d.mu.RLock()
	factory, ok := d.factories[env.ClassName]
	d.mu.RUnlock()

	if !ok {
		// Generic events carry their discriminator inside the class name.
		if strings.HasPrefix(env.ClassName, "generic.") {
			var g Generic
			if err := json.Unmarshal(env.JSONData, &g); err != nil {
				return nil, false
			}
			return g, true
		}
		return nil, false
	}

	ev := factory()
	if err := json.Unmarshal(env.JSONData, ev); err != nil {
		d.log.Warn("dropping undecodable event", "class", env.ClassName, "error", err)
		return nil, false
	}
	return deref(ev), true
}

// deref unwraps the pointer a Factory hands back so subscribers match on
// the value type they constructed with.
func deref(ev Event) Event {
	switch v := ev.(type) {
	case *ConfigReload:
		return *v
	case *CacheEvict:
		return *v
	case *ActivityChange:
		return *v
	case *PlayerOnline:
		return *v
	case *PlayerOffline:
		return *v
	case *PlayerChange:
		return *v
	case *GuildMemberChange:
		return *v
	case *GuildDissolve:
		return *v
	case *MaintenanceNotice:
		return *v
	default:
		return ev
	}
}
