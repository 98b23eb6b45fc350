package orchestrator

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"smartconnect/probing"
	"smartconnect/structs"
)

func newTestOrchestrator(store *fakeStore, session *fakeSession, prober probing.Prober) *Orchestrator {
	return New(store, session, probing.NewPool(8), Config{
		ProbeBudget: 2 * time.Second,
		Probers: map[probing.Strategy]probing.Prober{
			probing.StrategyTCP: prober,
		},
	})
}

func TestSmartConnectSelectsFastest(t *testing.T) {
	store := newFakeStore("A", "B", "C")
	session := &fakeSession{}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 120, "C": 45}))
	defer o.Close()

	rec := &stateRecorder{}
	o.SubscribeState(rec.record)
	var rankings []RankedList
	o.SubscribeRanking(func(r RankedList) { rankings = append(rankings, r) })

	require.NoError(t, o.SmartConnect(context.Background()))

	require.Len(t, rankings, 1)
	assert.Equal(t, []string{"C", "A", "B"}, rankings[0].Ranked)
	assert.Equal(t, probing.StrategyTCP, rankings[0].Strategy)
	assert.Equal(t, "C", store.selectedID())
	assert.Equal(t, []string{"C"}, session.startedIDs())
	assert.Equal(t, structs.StateConnecting, o.State())

	l, ok := store.latencyOf("A")
	assert.True(t, ok)
	assert.Equal(t, structs.Latency(120), l)
	l, _ = store.latencyOf("B")
	assert.Equal(t, structs.Unreachable, l)

	// the persisted list order is untouched
	profiles, _ := store.GetAllServerProfiles()
	assert.Equal(t, "A", profiles[0].ID)

	session.emit(SessionEvent{Kind: SessionStarted})
	assert.Equal(t, structs.StateConnected, o.State())
	assert.Equal(t, []structs.ConnectionState{
		structs.StateIdle,
		structs.StateProbing,
		structs.StateRanking,
		structs.StateSelecting,
		structs.StateConnecting,
		structs.StateConnected,
	}, rec.path())
}

func TestSmartConnectAllUnreachable(t *testing.T) {
	store := newFakeStore("A", "B")
	store.selected = "B"
	session := &fakeSession{}
	o := newTestOrchestrator(store, session, latencyProber(nil))
	defer o.Close()

	rec := &stateRecorder{}
	o.SubscribeState(rec.record)

	err := o.SmartConnect(context.Background())
	assert.ErrorIs(t, err, ErrNoReachableServer)
	assert.Equal(t, structs.StateFailed, o.State())
	assert.Equal(t, "B", store.selectedID(), "selection must stay unchanged")
	assert.Empty(t, session.startedIDs())

	last := rec.last()
	assert.Equal(t, structs.StateFailed, last.To)
	assert.ErrorIs(t, last.Err, ErrNoReachableServer)
	assert.Equal(t, ErrNoReachableServer.Error(), last.Reason)

	o.Acknowledge()
	assert.Equal(t, structs.StateIdle, o.State())
}

func TestSmartConnectEmptyProfileSet(t *testing.T) {
	o := newTestOrchestrator(newFakeStore(), &fakeSession{}, latencyProber(nil))
	defer o.Close()

	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrNoReachableServer)
	assert.Equal(t, structs.StateFailed, o.State())
}

func TestSmartConnectStoreFailure(t *testing.T) {
	store := newFakeStore("A")
	store.loadErr = errors.New("disk gone")
	o := newTestOrchestrator(store, &fakeSession{}, latencyProber(nil))
	defer o.Close()

	err := o.SmartConnect(context.Background())
	assert.ErrorContains(t, err, "disk gone")
	assert.Equal(t, structs.StateFailed, o.State())
}

func TestSmartConnectRejectsConcurrentRequest(t *testing.T) {
	store := newFakeStore("A", "B")
	session := &fakeSession{}
	prober := newBlockingProber()
	o := newTestOrchestrator(store, session, prober)
	defer o.Close()

	firstDone := make(chan error, 1)
	go func() { firstDone <- o.SmartConnect(context.Background()) }()

	<-prober.entered
	assert.Equal(t, structs.StateProbing, o.State())
	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrBusy)
	_, err := o.TestAll(context.Background(), probing.StrategyTCP)
	assert.ErrorIs(t, err, ErrBusy)

	close(prober.release)
	require.NoError(t, <-firstDone)
	assert.Len(t, session.startedIDs(), 1)
}

func TestCancelDuringProbing(t *testing.T) {
	store := newFakeStore("A", "B")
	session := &fakeSession{}
	prober := newBlockingProber()
	o := newTestOrchestrator(store, session, prober)
	defer o.Close()

	done := make(chan error, 1)
	go func() { done <- o.SmartConnect(context.Background()) }()

	<-prober.entered
	o.Cancel()

	select {
	case <-prober.cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("in-flight probe was not cancelled")
	}
	assert.ErrorIs(t, <-done, ErrCancelled)
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, "", store.selectedID())
	assert.Empty(t, session.startedIDs())
}

func TestCancelAtSelectingKeepsSelection(t *testing.T) {
	store := newFakeStore("A", "B")
	store.selected = "B"
	session := &fakeSession{}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 10, "B": 90}))
	defer o.Close()

	o.SubscribeState(func(c StateChange) {
		if c.To == structs.StateSelecting {
			o.Cancel()
		}
	})

	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrCancelled)
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, "B", store.selectedID())
	assert.Empty(t, session.startedIDs())
}

func TestCancelAtConnectingDoesNotStartSession(t *testing.T) {
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	o.SubscribeState(func(c StateChange) {
		if c.To == structs.StateConnecting {
			o.Cancel()
		}
	})

	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrCancelled)
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Empty(t, session.startedIDs())
}

func TestCancelDuringSessionStartStopsLateSession(t *testing.T) {
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	session.onStart = func(structs.ServerProfile) { o.Cancel() }

	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrCancelled)
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, []string{"A"}, session.startedIDs())
	// one stop from Cancel, one for the start that landed after it
	assert.Equal(t, 2, session.stopCount())

	// the machine is usable again
	session.onStart = nil
	require.NoError(t, o.SmartConnect(context.Background()))
	assert.Equal(t, structs.StateConnected, o.State())
}

func TestSelectionFollowsPublishedRanking(t *testing.T) {
	store := newFakeStore("A", "B", "C")
	o := newTestOrchestrator(store, &fakeSession{}, latencyProber(map[string]structs.Latency{"B": 30, "C": 30}))
	defer o.Close()

	var ranked []string
	o.SubscribeRanking(func(r RankedList) { ranked = r.Ranked })

	require.NoError(t, o.SmartConnect(context.Background()))
	require.NotEmpty(t, ranked)
	assert.Equal(t, []string{"B", "C", "A"}, ranked)
	assert.Equal(t, ranked[0], store.selectedID())
}

func TestBatchStoreGetsOneWritePerRound(t *testing.T) {
	store := &batchStore{fakeStore: newFakeStore("A", "B", "C")}
	o := New(store, &fakeSession{}, probing.NewPool(4), Config{
		ProbeBudget: time.Second,
		Probers: map[probing.Strategy]probing.Prober{
			probing.StrategyTCP: latencyProber(map[string]structs.Latency{"A": 70, "C": 20}),
		},
	})
	defer o.Close()

	_, err := o.TestAll(context.Background(), probing.StrategyTCP)
	require.NoError(t, err)

	assert.Equal(t, 1, store.batches)
	l, _ := store.latencyOf("C")
	assert.Equal(t, structs.Latency(20), l)
	l, _ = store.latencyOf("B")
	assert.Equal(t, structs.Unreachable, l)
}

func TestReachableHead(t *testing.T) {
	results := []structs.ProbeResult{
		{ServerID: "A", Latency: structs.Unreachable},
		{ServerID: "B", Latency: 15},
	}
	id, ok := reachableHead([]string{"B", "A"}, results)
	assert.True(t, ok)
	assert.Equal(t, "B", id)

	_, ok = reachableHead([]string{"A"}, results[:1])
	assert.False(t, ok)
	_, ok = reachableHead(nil, results)
	assert.False(t, ok)
}

func TestSessionStartFailureIsNotRetried(t *testing.T) {
	store := newFakeStore("A")
	session := &fakeSession{startErr: errors.New("permission denied")}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	err := o.SmartConnect(context.Background())
	var sse *SessionStartError
	require.ErrorAs(t, err, &sse)
	assert.Equal(t, "A", sse.ProfileID)
	assert.Equal(t, structs.StateFailed, o.State())
	assert.Equal(t, []string{"A"}, session.startedIDs())
	assert.Equal(t, "A", store.selectedID())
}

func TestSessionFailedEventWhileConnecting(t *testing.T) {
	session := &fakeSession{}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	rec := &stateRecorder{}
	o.SubscribeState(rec.record)

	require.NoError(t, o.SmartConnect(context.Background()))
	session.emit(SessionEvent{Kind: SessionFailed, Reason: "core exited"})

	assert.Equal(t, structs.StateFailed, o.State())
	var sse *SessionStartError
	require.ErrorAs(t, rec.last().Err, &sse)
	assert.Equal(t, "A", sse.ProfileID)

	// a new attempt acknowledges the failure first
	session.autoStart = true
	require.NoError(t, o.SmartConnect(context.Background()))
	assert.Equal(t, structs.StateConnected, o.State())
}

func TestDisconnect(t *testing.T) {
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	assert.ErrorIs(t, o.Disconnect(), ErrNotConnected)

	require.NoError(t, o.SmartConnect(context.Background()))
	require.Equal(t, structs.StateConnected, o.State())

	rec := &stateRecorder{}
	o.SubscribeState(rec.record)
	require.NoError(t, o.Disconnect())

	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, 1, session.stopCount())
	assert.Equal(t, []structs.ConnectionState{
		structs.StateConnected,
		structs.StateDisconnecting,
		structs.StateIdle,
	}, rec.path())
}

func TestExternalSessionDrop(t *testing.T) {
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	require.NoError(t, o.SmartConnect(context.Background()))
	session.emit(SessionEvent{Kind: SessionStopped})
	assert.Equal(t, structs.StateIdle, o.State())

	require.NoError(t, o.SmartConnect(context.Background()))
	session.emit(SessionEvent{Kind: SessionFailed, Reason: "network lost"})
	assert.Equal(t, structs.StateIdle, o.State())
}

func TestCancelWhileConnectingStopsSession(t *testing.T) {
	session := &fakeSession{}
	o := newTestOrchestrator(newFakeStore("A"), session, latencyProber(map[string]structs.Latency{"A": 10}))
	defer o.Close()

	require.NoError(t, o.SmartConnect(context.Background()))
	require.Equal(t, structs.StateConnecting, o.State())

	o.Cancel()
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, 1, session.stopCount())

	// a late started event from the abandoned attempt is ignored
	session.emit(SessionEvent{Kind: SessionStarted})
	assert.Equal(t, structs.StateIdle, o.State())
}

func TestRestart(t *testing.T) {
	store := newFakeStore("A", "B")
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 50, "B": 20}))
	defer o.Close()

	assert.ErrorIs(t, o.Restart(), ErrNotConnected)

	require.NoError(t, o.SmartConnect(context.Background()))
	require.NoError(t, o.Restart())

	assert.Equal(t, structs.StateConnected, o.State())
	assert.Equal(t, []string{"B", "B"}, session.startedIDs())
	assert.Equal(t, 1, session.stopCount())
}

func TestRestartWithVanishedSelection(t *testing.T) {
	store := newFakeStore("A")
	session := &fakeSession{autoStart: true}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 50}))
	defer o.Close()

	require.NoError(t, o.SmartConnect(context.Background()))
	store.mu.Lock()
	store.profiles = nil
	store.mu.Unlock()

	assert.ErrorIs(t, o.Restart(), ErrNoSelection)
	assert.Equal(t, structs.StateFailed, o.State())
}

func TestTestAllDoesNotSelect(t *testing.T) {
	store := newFakeStore("A", "B", "C")
	session := &fakeSession{}
	o := newTestOrchestrator(store, session, latencyProber(map[string]structs.Latency{"A": 30, "B": 10}))
	defer o.Close()

	var progress []string
	o.SubscribeProgress(func(r structs.ProbeResult) { progress = append(progress, r.ServerID) })
	var ranked []string
	o.SubscribeRanking(func(r RankedList) { ranked = r.Ranked })

	results, err := o.TestAll(context.Background(), probing.StrategyTCP)
	require.NoError(t, err)
	assert.Len(t, results, 3)
	assert.Equal(t, []string{"B", "A", "C"}, ranked)
	assert.ElementsMatch(t, []string{"A", "B", "C"}, progress)
	assert.Equal(t, "", store.selectedID())
	assert.Empty(t, session.startedIDs())
	assert.Equal(t, structs.StateIdle, o.State())
}

func TestStrategySettingOverridesConfig(t *testing.T) {
	store := newFakeStore("A", "B")
	store.settings[SettingStrategy] = "realping"
	session := &fakeSession{}
	o := New(store, session, probing.NewPool(4), Config{
		ProbeBudget: time.Second,
		Probers: map[probing.Strategy]probing.Prober{
			probing.StrategyTCP:  latencyProber(map[string]structs.Latency{"A": 10, "B": 90}),
			probing.StrategyReal: latencyProber(map[string]structs.Latency{"A": 90, "B": 10}),
		},
	})
	defer o.Close()

	var strategy probing.Strategy
	o.SubscribeRanking(func(r RankedList) { strategy = r.Strategy })

	require.NoError(t, o.SmartConnect(context.Background()))
	assert.Equal(t, probing.StrategyReal, strategy)
	assert.Equal(t, "B", store.selectedID())
}

func TestAutoReset(t *testing.T) {
	o := New(newFakeStore("A"), &fakeSession{}, probing.NewPool(4), Config{
		ProbeBudget: time.Second,
		Probers:     map[probing.Strategy]probing.Prober{probing.StrategyTCP: latencyProber(nil)},
		AutoReset:   true,
	})
	defer o.Close()

	rec := &stateRecorder{}
	o.SubscribeState(rec.record)

	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrNoReachableServer)
	assert.Equal(t, structs.StateIdle, o.State())
	assert.Equal(t, []structs.ConnectionState{
		structs.StateIdle,
		structs.StateProbing,
		structs.StateRanking,
		structs.StateFailed,
		structs.StateIdle,
	}, rec.path())
}

func TestObserverCanCallBack(t *testing.T) {
	o := newTestOrchestrator(newFakeStore("A"), &fakeSession{}, latencyProber(nil))
	defer o.Close()

	unsub := o.SubscribeState(func(c StateChange) {
		if c.To == structs.StateFailed {
			o.Acknowledge()
		}
	})
	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrNoReachableServer)
	assert.Equal(t, structs.StateIdle, o.State())

	unsub()
	assert.ErrorIs(t, o.SmartConnect(context.Background()), ErrNoReachableServer)
	assert.Equal(t, structs.StateFailed, o.State())
}

func TestTransitionsTable(t *testing.T) {
	assert.True(t, allowed(structs.StateIdle, structs.StateProbing))
	assert.True(t, allowed(structs.StateConnected, structs.StateIdle))
	assert.True(t, allowed(structs.StateFailed, structs.StateIdle))
	assert.False(t, allowed(structs.StateIdle, structs.StateIdle))
	assert.False(t, allowed(structs.StateConnected, structs.StateProbing))
	assert.False(t, allowed(structs.StateFailed, structs.StateProbing))
	assert.False(t, allowed(structs.StateRanking, structs.StateProbing))
}
