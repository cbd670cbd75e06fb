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

// Package orchestrator drives the reconciliation loop that keeps the bridge
// fleet in sync with the devices the OS currently exposes.
package orchestrator

import (
	"context"
	"errors"
	"os"
	"time"

	"github.com/meshforge/meshbridge/pkg/bridge"
	"github.com/meshforge/meshbridge/pkg/config"
	"github.com/meshforge/meshbridge/pkg/identify"
	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
	"github.com/meshforge/meshbridge/pkg/supervisor"
)

// DeviceScanner enumerates candidate devices. Absence of devices is a
// normal state, never an error.
type DeviceScanner interface {
	Scan(ctx context.Context) []models.Device
}

// NodeIdentifier runs the handshake against candidate devices through a
// bounded worker pool.
type NodeIdentifier interface {
	IdentifyAll(ctx context.Context, devices []models.Device, timeout time.Duration, concurrency int) <-chan identify.Result
}

// BridgeSupervisor owns the relay process of every live bridge.
type BridgeSupervisor interface {
	Start(b *models.Bridge) error
	Stop(identityID string) error
	StopAll()
	IsAlive(identityID string) bool
	Events() <-chan supervisor.Event
}

// ServiceAdvertiser owns the mDNS record of every live bridge.
type ServiceAdvertiser interface {
	Announce(b *models.Bridge) error
	Withdraw(identityID string)
	WithdrawAll()
}

type Orchestrator struct {
	scanner    DeviceScanner
	identifier NodeIdentifier
	registry   *bridge.Registry
	supervisor BridgeSupervisor
	advertiser ServiceAdvertiser
	cfg        *config.Config
	logger     logger.Logger

	// devicePresent double-checks a device path before teardown, so a
	// transient enumeration failure (which surfaces as an empty scan)
	// cannot take down bridges whose devices are still attached.
	devicePresent supervisor.DevicePresenceFunc

	// single restricts the fleet to the first identified device
	// (automatic mode).
	single bool
}

func New(
	scanner DeviceScanner,
	identifier NodeIdentifier,
	registry *bridge.Registry,
	sup BridgeSupervisor,
	advertiser ServiceAdvertiser,
	cfg *config.Config,
	log logger.Logger,
) *Orchestrator {
	return &Orchestrator{
		scanner:    scanner,
		identifier: identifier,
		registry:   registry,
		supervisor: sup,
		advertiser: advertiser,
		cfg:        cfg,
		logger:     log,
		devicePresent: func(path string) bool {
			_, err := os.Stat(path)
			return err == nil
		},
	}
}

// Run drives the periodic reconciliation loop until the context is
// canceled, then tears down every bridge.
func (o *Orchestrator) Run(ctx context.Context) error {
	defer o.Shutdown()

	o.reconcile(ctx)

	ticker := time.NewTicker(o.cfg.ScanInterval.Duration())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event := <-o.supervisor.Events():
			o.handleEvent(event)
		case <-ticker.C:
			o.reconcile(ctx)
		}
	}
}

// RunAuto is the fully automatic single-device mode: bridge the first
// identified device and keep it alive until shutdown. If the device is
// unplugged and later replugged, it is bridged again.
func (o *Orchestrator) RunAuto(ctx context.Context) error {
	o.single = true

	return o.Run(ctx)
}

// reconcile performs one pass: scan, tear down bridges whose device
// vanished, identify new candidates, and establish bridges for them.
func (o *Orchestrator) reconcile(ctx context.Context) {
	devices := o.scanner.Scan(ctx)

	present := make(map[string]bool, len(devices))
	for _, d := range devices {
		present[d.Path] = true
	}

	// Removal first: frees ports and device paths before new work.
	for _, b := range o.registry.List() {
		if present[b.Device.Path] {
			continue
		}

		// Missing from the scan is not proof of removal: an enumeration
		// hiccup also yields an empty listing. Only tear down when the
		// path itself is gone.
		if o.devicePresent(b.Device.Path) {
			o.logger.Warn().
				Str("node_id", b.Identity.ID).
				Str("path", b.Device.Path).
				Msg("Device missing from scan but path still present; keeping bridge")

			continue
		}

		o.logger.Info().
			Str("node_id", b.Identity.ID).
			Str("path", b.Device.Path).
			Msg("Device vanished; tearing down bridge")

		o.Teardown(b.Identity.ID)
	}

	if o.single && len(o.registry.Identities()) > 0 {
		return
	}

	candidates := make([]models.Device, 0, len(devices))

	for _, d := range devices {
		if _, bridged := o.registry.FindByPath(d.Path); !bridged {
			candidates = append(candidates, d)
		}
	}

	if len(candidates) == 0 {
		return
	}

	o.logger.Debug().Int("count", len(candidates)).Msg("Identifying candidate devices")

	for result := range o.identifier.IdentifyAll(ctx, candidates, o.cfg.IdentifyTimeout.Duration(), o.cfg.IdentifyConcurrency) {
		if result.Err != nil {
			o.logIdentifyFailure(result)
			continue
		}

		o.Establish(result.Identity, result.Device)

		if o.single {
			return
		}
	}
}

func (o *Orchestrator) logIdentifyFailure(result identify.Result) {
	switch {
	case errors.Is(result.Err, identify.ErrNotAMatch):
		o.logger.Info().Str("path", result.Device.Path).Msg("Device is not a mesh radio; ignoring")
	case errors.Is(result.Err, identify.ErrIdentifyTimeout):
		o.logger.Info().Str("path", result.Device.Path).Msg("Identification timed out; will retry next scan")
	default:
		// Read/write failures here usually mean the device was pulled
		// mid-handshake; the next scan simply won't list it.
		o.logger.Debug().Err(result.Err).Str("path", result.Device.Path).Msg("Identification failed")
	}
}

// Establish creates and starts a bridge for an identified device. It is
// idempotent per identity: a duplicate sighting of a live identity changes
// nothing.
func (o *Orchestrator) Establish(identity models.NodeIdentity, device models.Device) {
	b, created, err := o.registry.Upsert(identity, device)
	if err != nil {
		o.logger.Error().Err(err).Str("node_id", identity.ID).Msg("Cannot allocate port for bridge")
		return
	}

	if !created {
		o.logger.Debug().Str("node_id", identity.ID).Int("port", b.Port).Msg("Bridge already live; ignoring duplicate sighting")
		return
	}

	o.start(b)
}

// EstablishWithPort is the interactive-mode variant with an operator-chosen
// port.
func (o *Orchestrator) EstablishWithPort(identity models.NodeIdentity, device models.Device, port int) error {
	b, created, err := o.registry.UpsertWithPort(identity, device, port)
	if err != nil {
		return err
	}

	if !created {
		return nil
	}

	o.start(b)

	return nil
}

func (o *Orchestrator) start(b *models.Bridge) {
	if err := o.supervisor.Start(b); err != nil {
		o.logger.Error().Err(err).Str("node_id", b.Identity.ID).Msg("Failed to start relay; dropping bridge")
		o.registry.Remove(b.Identity.ID)

		return
	}

	// Advertisement is best-effort, like the relay's logs: a failed mDNS
	// registration does not take the bridge down.
	if err := o.advertiser.Announce(b); err != nil {
		o.logger.Warn().Err(err).Str("node_id", b.Identity.ID).Msg("mDNS announcement failed")
	}

	o.logger.Info().
		Str("node_id", b.Identity.ID).
		Str("path", b.Device.Path).
		Int("port", b.Port).
		Msg("Bridge established")
}

// Teardown withdraws the advertisement, stops the relay, and removes the
// registry entry, in that order, so no advertisement ever outlives its
// bridge.
func (o *Orchestrator) Teardown(identityID string) {
	o.advertiser.Withdraw(identityID)
	_ = o.supervisor.Stop(identityID)
	o.registry.Remove(identityID)
}

// Shutdown tears down the whole fleet.
func (o *Orchestrator) Shutdown() {
	for _, id := range o.registry.Identities() {
		o.Teardown(id)
	}

	o.advertiser.WithdrawAll()
	o.supervisor.StopAll()
}

// handleEvent reacts to supervisor lifecycle transitions.
func (o *Orchestrator) handleEvent(event supervisor.Event) {
	switch event.Type {
	case supervisor.EventPortConflict:
		o.reassignPort(event)
	case supervisor.EventDeviceGone:
		o.logger.Info().Str("node_id", event.IdentityID).Msg("Relay lost its device; tearing down bridge")
		o.Teardown(event.IdentityID)
	case supervisor.EventFault:
		o.logger.Error().Err(event.Err).Str("node_id", event.IdentityID).Msg("Bridge faulted; tearing down")
		o.Teardown(event.IdentityID)
	case supervisor.EventStarted, supervisor.EventRestarted, supervisor.EventStopped:
		// Informational; the supervisor already logged the transition.
	}
}

// reassignPort moves a bridge whose port turned out to be externally
// occupied onto the next free port and restarts its relay.
func (o *Orchestrator) reassignPort(event supervisor.Event) {
	// Reap the stopped monitor before restarting under the new port.
	_ = o.supervisor.Stop(event.IdentityID)

	b, err := o.registry.Reassign(event.IdentityID, event.Port)
	if err != nil {
		o.logger.Error().Err(err).Str("node_id", event.IdentityID).Msg("Cannot reassign port; tearing down bridge")
		o.Teardown(event.IdentityID)

		return
	}

	if b == nil {
		return
	}

	if err := o.supervisor.Start(b); err != nil {
		o.logger.Error().Err(err).Str("node_id", b.Identity.ID).Msg("Failed to restart relay on new port")
		o.Teardown(b.Identity.ID)

		return
	}

	// Announce re-registers under the new port, withdrawing the stale
	// record first.
	if err := o.advertiser.Announce(b); err != nil {
		o.logger.Warn().Err(err).Str("node_id", b.Identity.ID).Msg("mDNS re-announcement failed")
	}
}

// Bridges lists the live bridges with their supervisor liveness.
func (o *Orchestrator) Bridges() []*models.Bridge {
	return o.registry.List()
}
