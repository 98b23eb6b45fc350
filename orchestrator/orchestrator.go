package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"smartconnect/common"
	"smartconnect/probing"
	"smartconnect/structs"
)

const (
	// DefaultProbeBudget is the wall clock budget of a smart connect probing round,
	// independent of the number of servers
	DefaultProbeBudget = 3 * time.Second

	// SettingStrategy is the store setting that overrides the configured strategy
	SettingStrategy = "smart_connect.strategy"
)

type Config struct {
	Strategy     probing.Strategy
	ProbeBudget  time.Duration
	ProbeTimeout time.Duration // per probe; zero means ProbeBudget
	TestURL      string
	// RealTransport builds proxy transports for the real-ping strategy; nil uses the
	// built-in socks/http support
	RealTransport probing.TransportFactory
	// Probers replaces the built-in prober of a strategy
	Probers map[probing.Strategy]probing.Prober
	// AutoReset moves Failed to Idle right after the failure has been published
	AutoReset bool
}

// Orchestrator sequences probe, rank, select, persist and session start. At most one
// attempt runs at a time; a second request while one is active is rejected with ErrBusy.
type Orchestrator struct {
	store   Store
	session Session
	pool    *probing.Pool
	cfg     Config

	mu            sync.Mutex
	state         structs.ConnectionState
	runID         uint64
	cancelRun     context.CancelFunc
	testing       bool
	activeProfile string
	pending       []StateChange
	flushing      bool

	stateSubs    common.Broadcaster[StateChange]
	rankSubs     common.Broadcaster[RankedList]
	progressSubs common.Broadcaster[structs.ProbeResult]

	unsubscribeSession func()
}

func New(store Store, session Session, pool *probing.Pool, cfg Config) *Orchestrator {
	if cfg.Strategy == "" {
		cfg.Strategy = probing.StrategyTCP
	}
	if cfg.ProbeBudget <= 0 {
		cfg.ProbeBudget = DefaultProbeBudget
	}
	if cfg.ProbeTimeout <= 0 || cfg.ProbeTimeout > cfg.ProbeBudget {
		cfg.ProbeTimeout = cfg.ProbeBudget
	}
	if pool == nil {
		pool = probing.NewPool(0)
	}

	o := &Orchestrator{
		store:   store,
		session: session,
		pool:    pool,
		cfg:     cfg,
		state:   structs.StateIdle,
	}
	o.unsubscribeSession = session.Subscribe(o.handleSessionEvent)
	return o
}

// Close detaches from the session. In-flight work is cancelled.
func (o *Orchestrator) Close() {
	o.Cancel()
	o.unsubscribeSession()
}

func (o *Orchestrator) State() structs.ConnectionState {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.state
}

func (o *Orchestrator) SubscribeState(fn func(StateChange)) func() {
	return o.stateSubs.Subscribe(fn)
}

func (o *Orchestrator) SubscribeRanking(fn func(RankedList)) func() {
	return o.rankSubs.Subscribe(fn)
}

// SubscribeProgress receives each probe result as it completes within a round
func (o *Orchestrator) SubscribeProgress(fn func(structs.ProbeResult)) func() {
	return o.progressSubs.Subscribe(fn)
}

// SmartConnect probes every stored profile, selects the fastest reachable one, persists the
// selection and asks the session to start it. It blocks through probing and returns once
// the start has been requested; Connected is reported through the session's event.
// A Failed machine is acknowledged first.
func (o *Orchestrator) SmartConnect(ctx context.Context) error {
	o.mu.Lock()
	if o.state == structs.StateFailed {
		o.transitionLocked(structs.StateIdle, "acknowledged by new attempt", nil)
	}
	if o.state != structs.StateIdle || o.testing {
		state := o.state
		o.mu.Unlock()
		o.flush()
		log.Infof("[Orchestrator] smart connect rejected, state=%s", state)
		return ErrBusy
	}
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	o.runID++
	id := o.runID
	o.cancelRun = cancel
	o.transitionLocked(structs.StateProbing, "", nil)
	o.mu.Unlock()
	o.flush()

	profiles, err := o.store.GetAllServerProfiles()
	if err != nil {
		return o.fail(id, fmt.Errorf("failed to load server profiles: %w", err))
	}
	if len(profiles) == 0 {
		return o.fail(id, ErrNoReachableServer)
	}

	strategy := o.strategy()
	results, err := o.pool.ProbeAllWithProgress(runCtx, profiles, o.proberFor(strategy),
		o.cfg.ProbeTimeout, o.cfg.ProbeBudget, o.progressSubs.Publish)
	if err != nil {
		return o.fail(id, fmt.Errorf("probe round failed: %w", err))
	}

	if !o.advance(id, structs.StateRanking, "") {
		return ErrCancelled
	}
	ranked := o.publishRound(strategy, profiles, results)

	best, ok := reachableHead(ranked, results)
	if !ok {
		return o.fail(id, ErrNoReachableServer)
	}

	if !o.advance(id, structs.StateSelecting, "fastest server "+best) {
		return ErrCancelled
	}
	if err := o.persistSelection(id, best); err != nil {
		if errors.Is(err, ErrCancelled) {
			return err
		}
		return o.fail(id, fmt.Errorf("failed to persist selection %s: %w", best, err))
	}

	profile, _ := profileByID(profiles, best)
	return o.startSession(id, profile)
}

// TestAll probes every profile with the given strategy and publishes the ranking without
// selecting or connecting. It is rejected while a smart connect is probing.
func (o *Orchestrator) TestAll(ctx context.Context, strategy probing.Strategy) ([]structs.ProbeResult, error) {
	o.mu.Lock()
	switch {
	case o.testing,
		o.state == structs.StateProbing,
		o.state == structs.StateRanking,
		o.state == structs.StateSelecting:
		o.mu.Unlock()
		return nil, ErrBusy
	}
	o.testing = true
	o.mu.Unlock()
	defer func() {
		o.mu.Lock()
		o.testing = false
		o.mu.Unlock()
	}()

	profiles, err := o.store.GetAllServerProfiles()
	if err != nil {
		return nil, fmt.Errorf("failed to load server profiles: %w", err)
	}
	results, err := o.pool.ProbeAllWithProgress(ctx, profiles, o.proberFor(strategy),
		o.cfg.ProbeTimeout, o.cfg.ProbeBudget, o.progressSubs.Publish)
	if err != nil {
		return nil, err
	}
	o.publishRound(strategy, profiles, results)
	return results, nil
}

// Disconnect stops a connected session
func (o *Orchestrator) Disconnect() error {
	o.mu.Lock()
	if o.state != structs.StateConnected {
		o.mu.Unlock()
		return ErrNotConnected
	}
	o.runID++
	o.transitionLocked(structs.StateDisconnecting, "requested by user", nil)
	o.mu.Unlock()
	o.flush()

	err := o.session.Stop()

	o.mu.Lock()
	o.activeProfile = ""
	if o.state == structs.StateDisconnecting {
		o.transitionLocked(structs.StateIdle, "disconnected", err)
	}
	o.mu.Unlock()
	o.flush()

	if err != nil {
		return fmt.Errorf("failed to stop session: %w", err)
	}
	return nil
}

// Restart stops and starts the session again on the selected profile without probing
func (o *Orchestrator) Restart() error {
	o.mu.Lock()
	if o.state != structs.StateConnected {
		o.mu.Unlock()
		return ErrNotConnected
	}
	o.runID++
	o.transitionLocked(structs.StateDisconnecting, "restart", nil)
	o.mu.Unlock()
	o.flush()

	if err := o.session.Stop(); err != nil {
		log.Warnf("[Orchestrator] stop during restart failed: %v", err)
	}

	o.mu.Lock()
	if o.state != structs.StateDisconnecting {
		o.mu.Unlock()
		return ErrCancelled
	}
	o.runID++
	id := o.runID
	o.transitionLocked(structs.StateIdle, "restart", nil)
	o.transitionLocked(structs.StateSelecting, "restart with persisted selection", nil)
	o.mu.Unlock()
	o.flush()

	selected, ok := o.store.SelectedServer()
	if !ok {
		return o.fail(id, ErrNoSelection)
	}
	profiles, err := o.store.GetAllServerProfiles()
	if err != nil {
		return o.fail(id, fmt.Errorf("failed to load server profiles: %w", err))
	}
	profile, found := profileByID(profiles, selected)
	if !found {
		return o.fail(id, fmt.Errorf("%w: %s no longer exists", ErrNoSelection, selected))
	}
	return o.startSession(id, profile)
}

// Cancel abandons whatever is in progress and returns to Idle. In-flight probes are
// cancelled and a requested or running session is stopped.
func (o *Orchestrator) Cancel() {
	o.mu.Lock()
	if o.state == structs.StateIdle {
		o.mu.Unlock()
		return
	}
	prev := o.state
	o.runID++
	if o.cancelRun != nil {
		o.cancelRun()
		o.cancelRun = nil
	}
	o.activeProfile = ""
	o.transitionLocked(structs.StateIdle, "cancelled by user", nil)
	o.mu.Unlock()
	o.flush()

	if prev == structs.StateConnecting || prev == structs.StateConnected {
		if err := o.session.Stop(); err != nil {
			log.Warnf("[Orchestrator] stop after cancel failed: %v", err)
		}
	}
}

// Acknowledge resets a Failed machine to Idle
func (o *Orchestrator) Acknowledge() {
	o.mu.Lock()
	if o.state == structs.StateFailed {
		o.transitionLocked(structs.StateIdle, "acknowledged", nil)
	}
	o.mu.Unlock()
	o.flush()
}

func (o *Orchestrator) startSession(id uint64, profile structs.ServerProfile) error {
	if !o.advance(id, structs.StateConnecting, "starting "+profile.ID) {
		return ErrCancelled
	}
	o.mu.Lock()
	if o.runID != id {
		o.mu.Unlock()
		return ErrCancelled
	}
	o.activeProfile = profile.ID
	o.mu.Unlock()

	if err := o.session.Start(profile); err != nil {
		return o.fail(id, &SessionStartError{ProfileID: profile.ID, Err: err})
	}

	// a Cancel during Start has already issued its Stop; this one catches the late start
	if !o.isCurrent(id) {
		log.Infof("[Orchestrator] run cancelled while starting %s, stopping session", profile.ID)
		if err := o.session.Stop(); err != nil {
			log.Warnf("[Orchestrator] stop of cancelled start failed: %v", err)
		}
		return ErrCancelled
	}
	log.Infof("[Orchestrator] session start requested for %s (%s)", profile.ID, profile.HostPort())
	return nil
}

// persistSelection writes the winner unless the run has been superseded. The lock is held
// across the write so a Cancel either precedes it or sees it completed.
func (o *Orchestrator) persistSelection(id uint64, serverID string) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.runID != id {
		return ErrCancelled
	}
	return o.store.SetSelectedServer(serverID)
}

func (o *Orchestrator) isCurrent(id uint64) bool {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.runID == id
}

func (o *Orchestrator) handleSessionEvent(ev SessionEvent) {
	o.mu.Lock()
	log.Infof("[Orchestrator] session %s, state=%s, reason=%q", ev.Kind, o.state, ev.Reason)
	switch ev.Kind {
	case SessionStarted:
		if o.state == structs.StateConnecting {
			o.transitionLocked(structs.StateConnected, "session started", nil)
		}
	case SessionFailed:
		switch o.state {
		case structs.StateConnecting:
			o.runID++
			err := &SessionStartError{ProfileID: o.activeProfile, Err: errors.New(ev.Reason)}
			o.activeProfile = ""
			o.transitionLocked(structs.StateFailed, err.Error(), err)
			o.autoResetLocked()
		case structs.StateConnected:
			o.activeProfile = ""
			o.transitionLocked(structs.StateIdle, "session dropped: "+ev.Reason, nil)
		}
	case SessionStopped:
		if o.state == structs.StateConnecting || o.state == structs.StateConnected {
			o.runID++
			o.activeProfile = ""
			o.transitionLocked(structs.StateIdle, "session stopped externally", nil)
		}
	}
	o.mu.Unlock()
	o.flush()
}

// advance moves the run identified by id to the next state, unless it has been superseded
func (o *Orchestrator) advance(id uint64, to structs.ConnectionState, reason string) bool {
	o.mu.Lock()
	ok := o.runID == id && o.transitionLocked(to, reason, nil)
	o.mu.Unlock()
	o.flush()
	return ok
}

func (o *Orchestrator) fail(id uint64, err error) error {
	o.mu.Lock()
	if o.runID != id {
		o.mu.Unlock()
		return ErrCancelled
	}
	if o.state != structs.StateFailed {
		o.activeProfile = ""
		o.transitionLocked(structs.StateFailed, err.Error(), err)
		o.autoResetLocked()
	}
	o.mu.Unlock()
	o.flush()
	log.Warnf("[Orchestrator] attempt failed: %v", err)
	return err
}

func (o *Orchestrator) autoResetLocked() {
	if o.cfg.AutoReset {
		o.transitionLocked(structs.StateIdle, "reset after failure", nil)
	}
}

func (o *Orchestrator) transitionLocked(to structs.ConnectionState, reason string, err error) bool {
	from := o.state
	if !allowed(from, to) {
		log.Warnf("[Orchestrator] illegal transition %s -> %s ignored", from, to)
		return false
	}
	o.state = to
	o.pending = append(o.pending, StateChange{From: from, To: to, Reason: reason, Err: err, At: time.Now()})
	log.Infof("[Orchestrator] %s -> %s %s", from, to, reason)
	return true
}

// flush delivers queued state changes in transition order. Whoever flushes first delivers
// for everybody, which keeps the order and lets observers call back into the orchestrator.
func (o *Orchestrator) flush() {
	o.mu.Lock()
	if o.flushing {
		o.mu.Unlock()
		return
	}
	o.flushing = true
	for len(o.pending) > 0 {
		events := o.pending
		o.pending = nil
		o.mu.Unlock()
		for _, ev := range events {
			o.stateSubs.Publish(ev)
		}
		o.mu.Lock()
	}
	o.flushing = false
	o.mu.Unlock()
}

func (o *Orchestrator) strategy() probing.Strategy {
	if v, ok := o.store.GetSetting(SettingStrategy); ok {
		s, err := probing.ParseStrategy(v)
		if err == nil {
			return s
		}
		log.Warnf("[Orchestrator] ignoring setting %s=%q: %v", SettingStrategy, v, err)
	}
	return o.cfg.Strategy
}

func (o *Orchestrator) proberFor(strategy probing.Strategy) probing.Prober {
	if p, ok := o.cfg.Probers[strategy]; ok {
		return p
	}
	if strategy == probing.StrategyReal {
		return probing.NewRealProber(o.cfg.TestURL, o.cfg.RealTransport)
	}
	return probing.NewTCPProber()
}
