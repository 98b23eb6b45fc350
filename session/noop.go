package session

import (
	"sync"

	log "github.com/sirupsen/logrus"

	"smartconnect/common"
	"smartconnect/orchestrator"
	"smartconnect/structs"
)

// NoopSession reports every start as successful without running anything
type NoopSession struct {
	events common.Broadcaster[orchestrator.SessionEvent]

	mu      sync.Mutex
	running string
}

func NewNoopSession() *NoopSession {
	return &NoopSession{}
}

func (s *NoopSession) Start(profile structs.ServerProfile) error {
	s.mu.Lock()
	s.running = profile.ID
	s.mu.Unlock()
	log.Infof("[Session] noop start for %s (%s)", profile.ID, profile.HostPort())
	s.events.Publish(orchestrator.SessionEvent{Kind: orchestrator.SessionStarted})
	return nil
}

func (s *NoopSession) Stop() error {
	s.mu.Lock()
	wasRunning := s.running != ""
	s.running = ""
	s.mu.Unlock()
	if wasRunning {
		s.events.Publish(orchestrator.SessionEvent{Kind: orchestrator.SessionStopped})
	}
	return nil
}

// Running returns the id of the started profile, if any
func (s *NoopSession) Running() (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running, s.running != ""
}

func (s *NoopSession) Subscribe(fn func(orchestrator.SessionEvent)) func() {
	return s.events.Subscribe(fn)
}
