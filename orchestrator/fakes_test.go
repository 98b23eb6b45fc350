package orchestrator

import (
	"context"
	"errors"
	"sync"
	"time"

	"smartconnect/common"
	"smartconnect/probing"
	"smartconnect/structs"
)

type fakeStore struct {
	mu        sync.Mutex
	profiles  []structs.ServerProfile
	selected  string
	settings  map[string]string
	latencies map[string]structs.Latency
	loadErr   error
}

func newFakeStore(ids ...string) *fakeStore {
	s := &fakeStore{settings: map[string]string{}, latencies: map[string]structs.Latency{}}
	for i, id := range ids {
		s.profiles = append(s.profiles, structs.ServerProfile{
			ID: id, Address: "10.0.0.1", Port: 1000 + i, Protocol: "vless", LastLatency: structs.Unreachable,
		})
	}
	return s
}

func (s *fakeStore) GetAllServerProfiles() ([]structs.ServerProfile, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	out := make([]structs.ServerProfile, len(s.profiles))
	copy(out, s.profiles)
	return out, nil
}

func (s *fakeStore) SetSelectedServer(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
	return nil
}

func (s *fakeStore) UpdateLatency(id string, latency structs.Latency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.latencies[id] = latency
	return nil
}

func (s *fakeStore) GetSetting(key string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.settings[key]
	return v, ok
}

func (s *fakeStore) SelectedServer() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected, s.selected != ""
}

func (s *fakeStore) selectedID() string {
	id, _ := s.SelectedServer()
	return id
}

func (s *fakeStore) latencyOf(id string) (structs.Latency, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.latencies[id]
	return l, ok
}

// batchStore persists a whole round through UpdateLatencies
type batchStore struct {
	*fakeStore
	batches int
}

func (s *batchStore) UpdateLatencies(latencies map[string]structs.Latency) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.batches++
	for id, l := range latencies {
		s.latencies[id] = l
	}
	return nil
}

// fakeSession records starts and stops. With autoStart it reports started from inside Start.
type fakeSession struct {
	mu        sync.Mutex
	started   []string
	stops     int
	startErr  error
	autoStart bool
	onStart   func(profile structs.ServerProfile)
	events    common.Broadcaster[SessionEvent]
}

func (s *fakeSession) Start(profile structs.ServerProfile) error {
	s.mu.Lock()
	s.started = append(s.started, profile.ID)
	err, auto, hook := s.startErr, s.autoStart, s.onStart
	s.mu.Unlock()
	if hook != nil {
		hook(profile)
	}
	if err != nil {
		return err
	}
	if auto {
		s.emit(SessionEvent{Kind: SessionStarted})
	}
	return nil
}

func (s *fakeSession) Stop() error {
	s.mu.Lock()
	s.stops++
	s.mu.Unlock()
	s.emit(SessionEvent{Kind: SessionStopped})
	return nil
}

func (s *fakeSession) Subscribe(fn func(SessionEvent)) func() {
	return s.events.Subscribe(fn)
}

func (s *fakeSession) emit(ev SessionEvent) {
	s.events.Publish(ev)
}

func (s *fakeSession) startedIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.started...)
}

func (s *fakeSession) stopCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.stops
}

// latencyProber answers from a table; ids missing from it are unreachable
func latencyProber(table map[string]structs.Latency) probing.Prober {
	return probing.ProberFunc(func(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult {
		l, ok := table[profile.ID]
		if !ok {
			return structs.ProbeResult{ServerID: profile.ID, Latency: structs.Unreachable, ProbedAt: time.Now(), Cause: errors.New("refused")}
		}
		return structs.ProbeResult{ServerID: profile.ID, Latency: l, ProbedAt: time.Now()}
	})
}

// blockingProber holds every probe until release is closed or its context ends
type blockingProber struct {
	entered   chan struct{}
	release   chan struct{}
	once      sync.Once
	cancelled chan struct{}
	cOnce     sync.Once
}

func newBlockingProber() *blockingProber {
	return &blockingProber{
		entered:   make(chan struct{}),
		release:   make(chan struct{}),
		cancelled: make(chan struct{}),
	}
}

func (b *blockingProber) Probe(ctx context.Context, profile structs.ServerProfile, timeout time.Duration) structs.ProbeResult {
	b.once.Do(func() { close(b.entered) })
	select {
	case <-b.release:
		return structs.ProbeResult{ServerID: profile.ID, Latency: 10, ProbedAt: time.Now()}
	case <-ctx.Done():
		b.cOnce.Do(func() { close(b.cancelled) })
		return structs.ProbeResult{ServerID: profile.ID, Latency: structs.Unreachable, ProbedAt: time.Now(), Cause: ctx.Err()}
	}
}

type stateRecorder struct {
	mu      sync.Mutex
	changes []StateChange
}

func (r *stateRecorder) record(c StateChange) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.changes = append(r.changes, c)
}

func (r *stateRecorder) path() []structs.ConnectionState {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []structs.ConnectionState
	for i, c := range r.changes {
		if i == 0 {
			out = append(out, c.From)
		}
		out = append(out, c.To)
	}
	return out
}

func (r *stateRecorder) last() StateChange {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.changes[len(r.changes)-1]
}
