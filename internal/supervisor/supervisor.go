// Package supervisor spawns one child process per module binary and
// tears every surviving child down, escalating from SIGTERM to
// SIGKILL, the moment any one of them exits unexpectedly.
package supervisor

import (
	"fmt"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChildSpec describes one module process to spawn.
type ChildSpec struct {
	ModuleID   string
	BinaryPath string
	// LoggingConfigPath is passed to the binary as its second
	// argument, after the module id.
	LoggingConfigPath string
}

type child struct {
	spec ChildSpec
	cmd  *exec.Cmd
	// runID correlates a child's log lines across its lifetime even if
	// the OS recycles its pid after it exits.
	runID string
	// exited closes once cmd.Wait() returns; exitErr holds its result.
	// cmd.Wait() must only ever be called once, from the wait goroutine
	// spawned in Spawn, so terminate() observes completion via this
	// channel instead of calling Wait itself.
	exited  chan struct{}
	exitErr error
}

// Supervisor owns the set of spawned module processes for one manager
// run.
type Supervisor struct {
	mu               sync.Mutex
	children         map[string]*child
	teardownOnce     sync.Once
	teardownStarted  bool
	onUnexpectedExit func(moduleID string, err error)

	log *logrus.Entry
}

// New creates an empty Supervisor. onUnexpectedExit is invoked (once,
// from whichever goroutine observes the first unexpected exit) before
// teardown of the remaining children begins.
func New(onUnexpectedExit func(moduleID string, err error)) *Supervisor {
	return &Supervisor{
		children:         map[string]*child{},
		onUnexpectedExit: onUnexpectedExit,
		log:              logrus.WithField("component", "supervisor"),
	}
}

// Spawn starts one module's binary as a child process, passing it the
// module id and logging config path the way the reference runtime's
// module entry points expect.
func (s *Supervisor) Spawn(spec ChildSpec) error {
	cmd := exec.Command(spec.BinaryPath, spec.ModuleID, spec.LoggingConfigPath)
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("supervisor: spawn module %q (%s): %w", spec.ModuleID, spec.BinaryPath, err)
	}

	c := &child{spec: spec, cmd: cmd, runID: uuid.NewString(), exited: make(chan struct{})}

	s.mu.Lock()
	s.children[spec.ModuleID] = c
	s.mu.Unlock()

	s.log.WithFields(logrus.Fields{
		"module_id": spec.ModuleID,
		"pid":       cmd.Process.Pid,
		"run_id":    c.runID,
	}).Info("spawned module process")

	go s.wait(c)

	return nil
}

func (s *Supervisor) wait(c *child) {
	err := c.cmd.Wait()
	c.exitErr = err
	close(c.exited)

	// Claim the teardown under the lock, so that only the first
	// unexpected exit reports itself and later exits are treated as
	// part of the teardown.
	s.mu.Lock()
	alreadyTearingDown := s.teardownStarted
	s.teardownStarted = true
	s.mu.Unlock()
	if alreadyTearingDown {
		// This exit is a consequence of our own SIGTERM/SIGKILL.
		return
	}

	s.log.WithFields(logrus.Fields{
		"module_id": c.spec.ModuleID,
		"pid":       c.cmd.Process.Pid,
		"run_id":    c.runID,
	}).WithError(err).Warn("module process exited unexpectedly")

	if s.onUnexpectedExit != nil {
		s.onUnexpectedExit(c.spec.ModuleID, err)
	}

	s.TeardownAll()
}

// TeardownAll sends SIGTERM to every still-running child, escalating
// to SIGKILL for any that do not exit within the grace period. Safe
// to call multiple times; only the first call does any work.
func (s *Supervisor) TeardownAll() {
	s.teardownOnce.Do(func() {
		s.mu.Lock()
		s.teardownStarted = true
		children := make([]*child, 0, len(s.children))
		for _, c := range s.children {
			children = append(children, c)
		}
		s.mu.Unlock()

		var wg sync.WaitGroup
		for _, c := range children {
			wg.Add(1)
			go func(c *child) {
				defer wg.Done()
				s.terminate(c)
			}(c)
		}
		wg.Wait()
	})
}

const terminateGracePeriod = 3 * time.Second

func (s *Supervisor) terminate(c *child) {
	log := s.log.WithFields(logrus.Fields{"module_id": c.spec.ModuleID, "pid": c.cmd.Process.Pid, "run_id": c.runID})

	select {
	case <-c.exited:
		// Already exited (this is the child whose death triggered
		// teardown in the first place).
		return
	default:
	}

	if err := c.cmd.Process.Signal(syscall.SIGTERM); err != nil {
		log.WithError(err).Error("SIGTERM failed, escalating to SIGKILL")
		s.kill(c, log)
		return
	}

	select {
	case <-c.exited:
		log.Info("SIGTERM succeeded")
	case <-time.After(terminateGracePeriod):
		log.Warn("SIGTERM timed out, escalating to SIGKILL")
		s.kill(c, log)
	}
}

func (s *Supervisor) kill(c *child, log *logrus.Entry) {
	if err := c.cmd.Process.Kill(); err != nil {
		log.WithError(err).Error("SIGKILL failed")
		return
	}
	log.Info("SIGKILL succeeded")
}
