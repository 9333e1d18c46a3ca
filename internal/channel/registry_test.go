package channel

import (
	"fmt"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

// fakeSub is a minimal Subscriber that records delivered frames.
type fakeSub struct {
	id     int64
	frames [][]byte
	full   bool
}

func (f *fakeSub) ID() int64 { return f.id }

func (f *fakeSub) Enqueue(frame []byte) bool {
	if f.full {
		return false
	}
	f.frames = append(f.frames, frame)
	return true
}

func mustName(t *testing.T, raw string) Name {
	t.Helper()
	name, err := ParseName(raw)
	require.NoError(t, err)
	return name
}

func newTestRegistry(limits Limits, grace time.Duration) *Registry {
	return NewRegistry(limits, grace, zerolog.Nop())
}

func TestSubscribeCreatesChannelOnDemand(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)
	name := mustName(t, "forge.job.j1")

	require.False(t, r.Exists(name))
	require.NoError(t, r.Subscribe(name, &fakeSub{id: 1}))
	require.True(t, r.Exists(name))
	require.Equal(t, int64(1), r.TotalSubscribers())
	require.Equal(t, 1, r.ChannelCount())
}

func TestSubscribeIdempotent(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)
	name := mustName(t, "global")
	sub := &fakeSub{id: 7}

	require.NoError(t, r.Subscribe(name, sub))
	require.NoError(t, r.Subscribe(name, sub))
	require.Len(t, r.Snapshot(name), 1)
	require.Equal(t, int64(1), r.TotalSubscribers())
}

func TestSubscribeChannelCapacity(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 2}, time.Minute)
	name := mustName(t, "global")

	require.NoError(t, r.Subscribe(name, &fakeSub{id: 1}))
	require.NoError(t, r.Subscribe(name, &fakeSub{id: 2}))
	require.ErrorIs(t, r.Subscribe(name, &fakeSub{id: 3}), ErrChannelFull)
	require.Len(t, r.Snapshot(name), 2)
}

func TestSubscribeTotalCapacity(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10, MaxTotal: 2}, time.Minute)

	require.NoError(t, r.Subscribe(mustName(t, "global"), &fakeSub{id: 1}))
	require.NoError(t, r.Subscribe(mustName(t, "user.u1"), &fakeSub{id: 2}))
	require.ErrorIs(t, r.Subscribe(mustName(t, "user.u2"), &fakeSub{id: 3}), ErrServerFull)
}

func TestUnsubscribeUnknownIsNoop(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)
	name := mustName(t, "global")

	r.Unsubscribe(name, 42) // channel does not exist

	require.NoError(t, r.Subscribe(name, &fakeSub{id: 1}))
	r.Unsubscribe(name, 42) // subscriber does not exist
	require.Equal(t, int64(1), r.TotalSubscribers())
}

func TestSnapshotIsImmutable(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)
	name := mustName(t, "global")

	require.NoError(t, r.Subscribe(name, &fakeSub{id: 1}))
	before := r.Snapshot(name)
	require.Len(t, before, 1)

	require.NoError(t, r.Subscribe(name, &fakeSub{id: 2}))
	r.Unsubscribe(name, 1)

	// The slice handed out earlier still reflects the old membership.
	require.Len(t, before, 1)
	require.Equal(t, int64(1), before[0].ID())

	after := r.Snapshot(name)
	require.Len(t, after, 1)
	require.Equal(t, int64(2), after[0].ID())
}

func TestSweepDropsEmptyEphemeralAfterGrace(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)

	ephemeral := mustName(t, "backtest.b1")
	durable := mustName(t, "global")
	r.Ensure(durable, false)
	require.NoError(t, r.Subscribe(ephemeral, &fakeSub{id: 1}))
	r.Unsubscribe(ephemeral, 1)

	// Within the grace window nothing is removed.
	require.Zero(t, r.Sweep(time.Now()))
	require.True(t, r.Exists(ephemeral))

	removed := r.Sweep(time.Now().Add(2 * time.Minute))
	require.Equal(t, 1, removed)
	require.False(t, r.Exists(ephemeral))
	require.True(t, r.Exists(durable), "preconfigured channels survive the sweeper")
}

func TestSweepKeepsOccupiedEphemeral(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, 0)
	name := mustName(t, "forge.job.j9")

	require.NoError(t, r.Subscribe(name, &fakeSub{id: 1}))
	require.Zero(t, r.Sweep(time.Now().Add(time.Hour)))
	require.True(t, r.Exists(name))
}

func TestListReportsAllChannels(t *testing.T) {
	r := newTestRegistry(Limits{MaxPerChannel: 10}, time.Minute)
	r.Ensure(mustName(t, "global"), false)
	for i := 0; i < 3; i++ {
		name := mustName(t, fmt.Sprintf("user.u%d", i))
		require.NoError(t, r.Subscribe(name, &fakeSub{id: int64(i + 1)}))
	}

	infos := r.List()
	require.Len(t, infos, 4)

	byName := make(map[string]Info, len(infos))
	for _, info := range infos {
		byName[info.Name] = info
	}
	require.False(t, byName["global"].Ephemeral)
	require.Zero(t, byName["global"].Subscribers)
	require.True(t, byName["user.u0"].Ephemeral)
	require.Equal(t, 1, byName["user.u0"].Subscribers)
}
