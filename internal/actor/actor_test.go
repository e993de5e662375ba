package actor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// echoSystem builds a System from cfg (named "test" unless cfg names it)
// and shuts it down when the test ends.
func echoSystem(t *testing.T, cfg Config) *System {
	t.Helper()
	if cfg.Name == "" {
		cfg.Name = "test"
	}
	sys := NewSystem(cfg)
	t.Cleanup(func() { sys.Shutdown(context.Background()) })
	return sys
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatal("condition not reached in time")
}

func TestTellFIFOWithinProducer(t *testing.T) {
	var mu sync.Mutex
	received := map[int][]int{}

	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			m := msg.([2]int) // [producer, seq]
			mu.Lock()
			received[m[0]] = append(received[m[0]], m[1])
			mu.Unlock()
			return state, nil, false, nil
		},
	})

	const producers = 8
	const perProducer = 200
	ctx := context.Background()

	var wg sync.WaitGroup
	for p := 0; p < producers; p++ {
		wg.Add(1)
		go func(p int) {
			defer wg.Done()
			for i := 0; i < perProducer; i++ {
				require.True(t, sys.Tell(ctx, "a-1", [2]int{p, i}))
			}
		}(p)
	}
	wg.Wait()

	waitFor(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		total := 0
		for _, seqs := range received {
			total += len(seqs)
		}
		return total == producers*perProducer
	})

	mu.Lock()
	defer mu.Unlock()
	for p, seqs := range received {
		for i, seq := range seqs {
			require.Equal(t, i, seq, "producer %d out of order", p)
		}
	}
}

func TestSingleWriter(t *testing.T) {
	var inFlight atomic.Int32
	var maxSeen atomic.Int32

	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			n := inFlight.Add(1)
			if n > maxSeen.Load() {
				maxSeen.Store(n)
			}
			time.Sleep(time.Millisecond)
			inFlight.Add(-1)
			return state, nil, false, nil
		},
	})

	ctx := context.Background()
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 10; j++ {
				sys.Tell(ctx, "solo", j)
			}
		}()
	}
	wg.Wait()

	waitFor(t, func() bool { return inFlight.Load() == 0 })
	require.LessOrEqual(t, maxSeen.Load(), int32(1),
		"at most one handler invocation in flight per actor")
}

func TestAskRoundTrip(t *testing.T) {
	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, msg.(int) * 2, false, nil
		},
	})

	v, err := sys.Ask(context.Background(), "a", 21, time.Second)
	require.NoError(t, err)
	require.Equal(t, 42, v)
}

func TestAskTimeoutDiscardsLateResult(t *testing.T) {
	release := make(chan struct{})
	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			<-release
			return state, "late", false, nil
		},
	})

	_, err := sys.Ask(context.Background(), "a", 1, 20*time.Millisecond)
	require.ErrorIs(t, err, ErrAskTimeout)
	close(release) // the late completion must not block the worker
}

func TestAskHandlerError(t *testing.T) {
	boom := errors.New("validation failed")
	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, nil, false, boom
		},
	})

	_, err := sys.Ask(context.Background(), "a", 1, time.Second)
	require.ErrorIs(t, err, boom)
}

func TestHandlerPanicFailsAskAndKeepsActorAlive(t *testing.T) {
	sys := echoSystem(t, Config{
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			if msg == "panic" {
				panic("boom")
			}
			return state, "ok", false, nil
		},
	})

	_, err := sys.Ask(context.Background(), "a", "panic", time.Second)
	require.Error(t, err)

	v, err := sys.Ask(context.Background(), "a", "fine", time.Second)
	require.NoError(t, err)
	require.Equal(t, "ok", v)
}

func TestStateLoadedOncePerLifetime(t *testing.T) {
	var loads atomic.Int32
	sys := echoSystem(t, Config{
		Loader: func(ctx context.Context, system, id string) (any, error) {
			loads.Add(1)
			return map[string]int{"gold": 100}, nil
		},
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, state.(map[string]int)["gold"], false, nil
		},
	})

	for i := 0; i < 5; i++ {
		v, err := sys.Ask(context.Background(), "p-1", i, time.Second)
		require.NoError(t, err)
		require.Equal(t, 100, v)
	}
	require.EqualValues(t, 1, loads.Load())
}

func TestMailboxFullBackpressure(t *testing.T) {
	release := make(chan struct{})
	sys := echoSystem(t, Config{
		MailboxSize: 1,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			<-release
			return state, nil, false, nil
		},
	})
	defer close(release)

	ctx := context.Background()
	// First message occupies the worker; fill the single-slot mailbox, then
	// the next Tell must report backpressure.
	require.True(t, sys.Tell(ctx, "a", 0))
	waitFor(t, func() bool {
		a, _ := sys.GetActorIfPresent("a")
		return a.Status() == StatusRunning
	})

	accepted := 0
	for i := 0; i < 10; i++ {
		if sys.Tell(ctx, "a", i) {
			accepted++
		}
	}
	require.Less(t, accepted, 10, "a full mailbox must reject Tell")
}

func TestDirtyStateFlushedOnShutdown(t *testing.T) {
	var saved atomic.Value
	sys := NewSystem(Config{
		Name: "persist",
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return msg, nil, true, nil
		},
		Saver: func(ctx context.Context, system, id string, state any) error {
			saved.Store(state)
			return nil
		},
	})

	require.True(t, sys.Tell(context.Background(), "p-1", "final-state"))
	sys.Shutdown(context.Background())

	require.Equal(t, "final-state", saved.Load())
}

func TestFailedSaveRetainsDirtyFlag(t *testing.T) {
	fail := atomic.Bool{}
	fail.Store(true)
	sys := echoSystem(t, Config{
		SaveInterval: 10 * time.Millisecond,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return msg, nil, true, nil
		},
		Saver: func(ctx context.Context, system, id string, state any) error {
			if fail.Load() {
				return errors.New("db down")
			}
			return nil
		},
	})

	require.True(t, sys.Tell(context.Background(), "p-1", "v1"))
	a, _ := sys.GetActorIfPresent("p-1")

	waitFor(t, func() bool { return a.Dirty() })
	time.Sleep(30 * time.Millisecond) // let at least one failing sweep run
	require.True(t, a.Dirty(), "failed save must not clear the dirty flag")

	fail.Store(false)
	waitFor(t, func() bool { return !a.Dirty() })
}

func TestFailedSaveEscalatesToErrorSink(t *testing.T) {
	boom := errors.New("db down")
	var escalated atomic.Int32
	sys := echoSystem(t, Config{
		SaveInterval: 10 * time.Millisecond,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return msg, nil, true, nil
		},
		Saver: func(ctx context.Context, system, id string, state any) error {
			return boom
		},
		OnSaveError: func(system, id string, err error) {
			require.Equal(t, "test", system)
			require.Equal(t, "p-1", id)
			require.ErrorIs(t, err, boom)
			escalated.Add(1)
			panic("sink panic must be contained")
		},
	})

	require.True(t, sys.Tell(context.Background(), "p-1", "v1"))
	waitFor(t, func() bool { return escalated.Load() >= 1 })

	// The actor stays Running and dirty; saves keep being attempted.
	a, ok := sys.GetActorIfPresent("p-1")
	require.True(t, ok)
	require.Equal(t, StatusRunning, a.Status())
	require.True(t, a.Dirty())
	waitFor(t, func() bool { return escalated.Load() >= 2 })
}

func TestIdleEviction(t *testing.T) {
	var flushed atomic.Int32
	sys := echoSystem(t, Config{
		IdleTimeout: 40 * time.Millisecond,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return msg, nil, true, nil
		},
		Saver: func(ctx context.Context, system, id string, state any) error {
			flushed.Add(1)
			return nil
		},
	})

	require.True(t, sys.Tell(context.Background(), "idle-1", "state"))
	waitFor(t, func() bool { return sys.Count() == 0 })
	require.EqualValues(t, 1, flushed.Load(), "idle eviction must flush dirty state")
}

func TestCapacityEvictsLeastRecentlyActive(t *testing.T) {
	sys := echoSystem(t, Config{
		MaxSize: 2,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, msg, false, nil
		},
	})
	ctx := context.Background()

	_, err := sys.Ask(ctx, "old", 1, time.Second)
	require.NoError(t, err)
	time.Sleep(5 * time.Millisecond)
	_, err = sys.Ask(ctx, "new", 1, time.Second)
	require.NoError(t, err)

	// Third actor forces the capacity eviction of "old".
	_, err = sys.Ask(ctx, "newest", 1, time.Second)
	require.NoError(t, err)

	waitFor(t, func() bool {
		_, ok := sys.GetActorIfPresent("old")
		return !ok && sys.Count() == 2
	})
}

type donateMsg struct{ Amount int }

func (donateMsg) MessageType() string { return "donate" }

type renameMsg struct{ Name string }

func (renameMsg) MessageType() string { return "rename" }

func TestHandlerSetDispatchByTag(t *testing.T) {
	hs := HandlerSet{
		"donate": func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, msg.(donateMsg).Amount * 2, false, nil
		},
		"rename": func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, msg.(renameMsg).Name, true, nil
		},
	}
	sys := echoSystem(t, Config{Handle: hs.Handler()})

	v, err := sys.Ask(context.Background(), "g-1", donateMsg{Amount: 50}, time.Second)
	require.NoError(t, err)
	require.Equal(t, 100, v)

	v, err = sys.Ask(context.Background(), "g-1", renameMsg{Name: "storm"}, time.Second)
	require.NoError(t, err)
	require.Equal(t, "storm", v)

	_, err = sys.Ask(context.Background(), "g-1", struct{}{}, time.Second)
	require.ErrorIs(t, err, ErrUnhandledMessage)
}

func TestLifecycleHooks(t *testing.T) {
	var preStarted, postStopped atomic.Int32
	sys := echoSystem(t, Config{
		IdleTimeout: 40 * time.Millisecond,
		Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
			return state, nil, false, nil
		},
		OnPreStart: func(system, id string, state any) { preStarted.Add(1) },
		OnPostStop: func(system, id string, state any) {
			postStopped.Add(1)
			panic("hook panic must be contained")
		},
	})

	require.True(t, sys.Tell(context.Background(), "h-1", 1))
	waitFor(t, func() bool { return preStarted.Load() == 1 })
	waitFor(t, func() bool { return sys.Count() == 0 }) // idle eviction
	waitFor(t, func() bool { return postStopped.Load() == 1 })
}

func TestRegistry(t *testing.T) {
	reg := NewRegistry()
	players := NewSystem(Config{Name: "player", Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
		return state, nil, false, nil
	}})
	guilds := NewSystem(Config{Name: "guild", Handle: func(ctx context.Context, state, msg any) (any, any, bool, error) {
		return state, nil, false, nil
	}})
	reg.Register(players)
	reg.Register(guilds)

	got, ok := reg.Get("player")
	require.True(t, ok)
	require.Same(t, players, got)
	require.Equal(t, []string{"guild", "player"}, reg.Names())

	reg.ShutdownAll(context.Background())
}
