package session

import (
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"

	"smartconnect/common"
	"smartconnect/orchestrator"
	"smartconnect/structs"
)

// DefaultStartupGrace is how long the core must stay up before the session counts as started
const DefaultStartupGrace = time.Second

var ErrAlreadyRunning = errors.New("session already running")

// Process is a started core process
type Process interface {
	Wait() error
	Kill() error
}

type Runner interface {
	Start(name string, args ...string) (Process, error)
}

type execRunner struct{}

type execProcess struct {
	cmd *exec.Cmd
	out interface{ Close() error }
}

func (execRunner) Start(name string, args ...string) (Process, error) {
	cmd := exec.Command(name, args...)
	out := log.StandardLogger().WriterLevel(log.DebugLevel)
	cmd.Stdout = out
	cmd.Stderr = out
	if err := cmd.Start(); err != nil {
		out.Close()
		return nil, fmt.Errorf("%s %v failed to start: %w", name, args, err)
	}
	return &execProcess{cmd: cmd, out: out}, nil
}

func (p *execProcess) Wait() error {
	defer p.out.Close()
	return p.cmd.Wait()
}

func (p *execProcess) Kill() error {
	return p.cmd.Process.Kill()
}

// CommandSession runs an external proxy core for the selected profile. Arguments may carry
// the placeholders {id}, {address}, {port} and {protocol}.
type CommandSession struct {
	command string
	args    []string
	grace   time.Duration
	runner  Runner
	events  common.Broadcaster[orchestrator.SessionEvent]

	mu       sync.Mutex
	proc     Process
	stopping bool
	done     chan struct{}
}

func NewCommandSession(command string, args []string, grace time.Duration) *CommandSession {
	if grace <= 0 {
		grace = DefaultStartupGrace
	}
	return &CommandSession{command: command, args: args, grace: grace, runner: execRunner{}}
}

// Start launches the core and returns once the process exists. Started is reported after
// the grace period; an exit before that is reported as Failed.
func (s *CommandSession) Start(profile structs.ServerProfile) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.proc != nil {
		return ErrAlreadyRunning
	}
	args := expandArgs(s.args, profile)
	proc, err := s.runner.Start(s.command, args...)
	if err != nil {
		return err
	}
	log.Infof("[Session] core started for %s: %s %s", profile.ID, s.command, strings.Join(args, " "))
	s.proc = proc
	s.stopping = false
	s.done = make(chan struct{})
	go s.supervise(proc, s.done)
	return nil
}

func (s *CommandSession) supervise(proc Process, done chan struct{}) {
	exited := make(chan error, 1)
	go func() { exited <- proc.Wait() }()

	timer := time.NewTimer(s.grace)
	defer timer.Stop()

	var err error
	select {
	case err = <-exited:
	case <-timer.C:
		s.mu.Lock()
		stopping := s.stopping
		s.mu.Unlock()
		if !stopping {
			s.events.Publish(orchestrator.SessionEvent{Kind: orchestrator.SessionStarted})
		}
		err = <-exited
	}

	s.mu.Lock()
	stopping := s.stopping
	s.proc = nil
	s.mu.Unlock()

	if stopping {
		s.events.Publish(orchestrator.SessionEvent{Kind: orchestrator.SessionStopped})
	} else {
		reason := "core exited"
		if err != nil {
			reason = fmt.Sprintf("core exited: %v", err)
		}
		log.Warnf("[Session] %s", reason)
		s.events.Publish(orchestrator.SessionEvent{Kind: orchestrator.SessionFailed, Reason: reason})
	}
	close(done)
}

// Stop kills the core and waits until its exit has been reported
func (s *CommandSession) Stop() error {
	s.mu.Lock()
	if s.proc == nil {
		s.mu.Unlock()
		return nil
	}
	s.stopping = true
	proc, done := s.proc, s.done
	s.mu.Unlock()

	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("failed to kill core: %w", err)
	}
	<-done
	log.Infof("[Session] core stopped")
	return nil
}

func (s *CommandSession) Subscribe(fn func(orchestrator.SessionEvent)) func() {
	return s.events.Subscribe(fn)
}

func expandArgs(args []string, p structs.ServerProfile) []string {
	r := strings.NewReplacer(
		"{id}", p.ID,
		"{address}", p.Address,
		"{port}", strconv.Itoa(p.Port),
		"{protocol}", p.Protocol,
	)
	out := make([]string, len(args))
	for i, a := range args {
		out[i] = r.Replace(a)
	}
	return out
}
