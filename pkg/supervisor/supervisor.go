/*
 * Copyright 2025 Carver Automation Corporation.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package supervisor owns the lifecycle of every relay process: spawn,
// monitor, restart with a bounded budget, and terminate.
package supervisor

import (
	"context"
	"errors"
	"os"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

const (
	maxConsecutiveFailures = 3
	failureWindow          = 30 * time.Second
	initialRetryDelay      = 1 * time.Second
	maxRetryDelay          = 30 * time.Second
	backoffFactor          = 2

	// bindGrace: an exit this soon after spawn with a bind error on
	// stderr means the port is squatted, not that the relay crashed.
	bindGrace = 2 * time.Second

	// stopGrace is how long a relay gets to honor SIGTERM before it is
	// killed.
	stopGrace = 3 * time.Second
)

var (
	ErrAlreadySupervised = errors.New("bridge already supervised")
	ErrNotSupervised     = errors.New("bridge not supervised")
)

type EventType string

const (
	EventStarted      EventType = "started"
	EventRestarted    EventType = "restarted"
	EventStopped      EventType = "stopped"
	EventFault        EventType = "fault"         // restart budget exhausted
	EventPortConflict EventType = "port_conflict" // relay could not bind its port
	EventDeviceGone   EventType = "device_gone"   // relay died because the device vanished
)

// Event reports a bridge lifecycle transition the orchestrator must react
// to.
type Event struct {
	Type       EventType
	IdentityID string
	Port       int
	Err        error
}

// DevicePresenceFunc reports whether a device path currently exists. The
// supervisor consults it to tell "process crashed" apart from "device was
// unplugged" before restarting.
type DevicePresenceFunc func(path string) bool

type supervised struct {
	bridge models.Bridge
	cancel context.CancelFunc
	done   chan struct{}

	mu    sync.Mutex
	state models.BridgeState
}

func (s *supervised) setState(state models.BridgeState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = state
}

func (s *supervised) getState() models.BridgeState {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.state
}

type Supervisor struct {
	mu      sync.Mutex
	runner  RelayRunner
	baud    int
	present DevicePresenceFunc
	procs   map[string]*supervised // node identity ID -> supervised relay
	events  chan Event
	logger  logger.Logger

	// Timing knobs; fixed in production, shrunk by tests.
	maxFailures  int
	window       time.Duration
	initialRetry time.Duration
	maxRetry     time.Duration
	bindGracePrd time.Duration
	stopGracePrd time.Duration
}

func New(runner RelayRunner, baud int, present DevicePresenceFunc, log logger.Logger) *Supervisor {
	if present == nil {
		present = func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		}
	}

	return &Supervisor{
		runner:       runner,
		baud:         baud,
		present:      present,
		procs:        make(map[string]*supervised),
		events:       make(chan Event, 32),
		logger:       log,
		maxFailures:  maxConsecutiveFailures,
		window:       failureWindow,
		initialRetry: initialRetryDelay,
		maxRetry:     maxRetryDelay,
		bindGracePrd: bindGrace,
		stopGracePrd: stopGrace,
	}
}

// Events is the stream of lifecycle transitions. The channel is buffered;
// if the consumer falls behind, events are dropped rather than wedging the
// monitors.
func (s *Supervisor) Events() <-chan Event {
	return s.events
}

// Start spawns and begins supervising the relay for a bridge. The device
// handle must already be released by the identifier: the relay is the
// exclusive owner from here until Stop.
func (s *Supervisor) Start(b *models.Bridge) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.procs[b.Identity.ID]; ok {
		return ErrAlreadySupervised
	}

	ctx, cancel := context.WithCancel(context.Background())

	sup := &supervised{
		bridge: *b,
		cancel: cancel,
		done:   make(chan struct{}),
		state:  models.BridgeStatePending,
	}

	s.procs[b.Identity.ID] = sup

	go s.monitor(ctx, sup)

	return nil
}

// Stop terminates the relay for an identity and waits for its monitor to
// finish. It always completes: a relay that ignores SIGTERM is killed after
// a bounded wait.
func (s *Supervisor) Stop(identityID string) error {
	s.mu.Lock()
	sup, ok := s.procs[identityID]
	if ok {
		delete(s.procs, identityID)
	}
	s.mu.Unlock()

	if !ok {
		return ErrNotSupervised
	}

	sup.cancel()
	<-sup.done

	return nil
}

// StopAll terminates every supervised relay; called on shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	procs := make([]*supervised, 0, len(s.procs))
	for id, sup := range s.procs {
		procs = append(procs, sup)
		delete(s.procs, id)
	}
	s.mu.Unlock()

	for _, sup := range procs {
		sup.cancel()
	}

	for _, sup := range procs {
		<-sup.done
	}
}

// IsAlive reports whether the identity's relay is currently running.
func (s *Supervisor) IsAlive(identityID string) bool {
	return s.State(identityID) == models.BridgeStateRunning
}

// State returns the lifecycle state of the identity's relay, or Stopped for
// unknown identities.
func (s *Supervisor) State(identityID string) models.BridgeState {
	s.mu.Lock()
	sup, ok := s.procs[identityID]
	s.mu.Unlock()

	if !ok {
		return models.BridgeStateStopped
	}

	return sup.getState()
}

// monitor drives one bridge through Pending -> Running -> (Failed ->
// Restarting -> Running)* -> Stopped.
func (s *Supervisor) monitor(ctx context.Context, sup *supervised) {
	defer close(sup.done)

	var (
		failures   int
		firstFault time.Time
		retryDelay = s.initialRetry
	)

	b := sup.bridge
	log := s.logger.With().Str("node_id", b.Identity.ID).Str("path", b.Device.Path).Int("port", b.Port).Logger()

	for {
		started := time.Now()

		proc, err := s.runner.Start(ctx, b.Device.Path, s.baud, b.Port)
		if err != nil {
			if !s.present(b.Device.Path) {
				sup.setState(models.BridgeStateStopped)
				s.emitTerminal(ctx, Event{Type: EventDeviceGone, IdentityID: b.Identity.ID, Port: b.Port, Err: err})

				return
			}

			log.Warn().Err(err).Msg("Relay spawn failed")
		} else {
			sup.setState(models.BridgeStateRunning)

			if failures == 0 {
				s.emit(Event{Type: EventStarted, IdentityID: b.Identity.ID, Port: b.Port})
				log.Info().Msg("Relay started")
			} else {
				s.emit(Event{Type: EventRestarted, IdentityID: b.Identity.ID, Port: b.Port})
				log.Info().Int("failures", failures).Msg("Relay restarted")
			}

			exitErr := s.wait(ctx, proc)
			if ctx.Err() != nil {
				// Planned termination: device removal or shutdown.
				sup.setState(models.BridgeStateStopped)
				s.emit(Event{Type: EventStopped, IdentityID: b.Identity.ID, Port: b.Port})
				log.Info().Msg("Relay stopped")

				return
			}

			sup.setState(models.BridgeStateFailed)

			if time.Since(started) < s.bindGracePrd && isBindFailure(proc.Stderr()) {
				sup.setState(models.BridgeStateStopped)
				s.emitTerminal(ctx, Event{Type: EventPortConflict, IdentityID: b.Identity.ID, Port: b.Port, Err: exitErr})
				log.Warn().Msg("Relay port already in use")

				return
			}

			if !s.present(b.Device.Path) {
				sup.setState(models.BridgeStateStopped)
				s.emitTerminal(ctx, Event{Type: EventDeviceGone, IdentityID: b.Identity.ID, Port: b.Port, Err: exitErr})
				log.Info().Msg("Device vanished; relay not restarted")

				return
			}

			log.Warn().Err(exitErr).Msg("Relay exited unexpectedly")
		}

		// Restart budget: too many consecutive failures inside the
		// window is a fault, not something to retry silently forever.
		if failures == 0 || time.Since(firstFault) > s.window {
			failures = 0
			firstFault = time.Now()
			retryDelay = s.initialRetry
		}

		failures++

		if failures >= s.maxFailures {
			sup.setState(models.BridgeStateStopped)
			s.emitTerminal(ctx, Event{Type: EventFault, IdentityID: b.Identity.ID, Port: b.Port, Err: errRestartBudget})
			log.Error().Int("failures", failures).Msg("Relay restart budget exhausted")

			return
		}

		sup.setState(models.BridgeStateRestarting)

		select {
		case <-ctx.Done():
			sup.setState(models.BridgeStateStopped)
			s.emit(Event{Type: EventStopped, IdentityID: b.Identity.ID, Port: b.Port})

			return
		case <-time.After(retryDelay):
		}

		retryDelay *= backoffFactor
		if retryDelay > s.maxRetry {
			retryDelay = s.maxRetry
		}
	}
}

var errRestartBudget = errors.New("relay restart budget exhausted")

// wait blocks until the relay exits on its own or the context asks for
// termination, escalating SIGTERM to SIGKILL after the grace period.
func (s *Supervisor) wait(ctx context.Context, proc RelayProcess) error {
	exitCh := make(chan error, 1)

	go func() {
		exitCh <- proc.Wait()
	}()

	select {
	case err := <-exitCh:
		return err
	case <-ctx.Done():
	}

	_ = proc.Signal(syscall.SIGTERM)

	select {
	case err := <-exitCh:
		return err
	case <-time.After(s.stopGracePrd):
	}

	_ = proc.Kill()

	return <-exitCh
}

// emit delivers informational transitions best-effort; a slow consumer loses
// them rather than wedging the monitor.
func (s *Supervisor) emit(event Event) {
	select {
	case s.events <- event:
	default:
		s.logger.Warn().Str("type", string(event.Type)).Str("node_id", event.IdentityID).Msg("Dropping supervisor event; consumer is behind")
	}
}

// emitTerminal blocks until the event is delivered. Fault, device-gone, and
// port-conflict events oblige the consumer to clean up the bridge; dropping
// one would leave the registry entry and mDNS record orphaned. Cancelling the
// monitor releases a blocked send.
func (s *Supervisor) emitTerminal(ctx context.Context, event Event) {
	select {
	case s.events <- event:
	case <-ctx.Done():
	}
}

// isBindFailure recognizes the relay's complaint about a TCP port that an
// unrelated process already holds.
func isBindFailure(stderr string) bool {
	return strings.Contains(strings.ToLower(stderr), "address already in use")
}
