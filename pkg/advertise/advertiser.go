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

// Package advertise publishes one mDNS record per live bridge so clients on
// the local network can find a radio by its node identity.
package advertise

import (
	"fmt"
	"sync"

	"github.com/grandcat/zeroconf"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

const (
	serviceType = "_meshtastic._tcp"
	domain      = "local."
	namePrefix  = "meshnode"
)

// ServiceName derives the advertised instance name from a node identity.
// The same physical node always announces under the same name.
func ServiceName(identity models.NodeIdentity) string {
	return fmt.Sprintf("%s_%s", namePrefix, identity.ShortID())
}

// Hostname is the .local name clients resolve, e.g. "meshnode_9d4e.local".
func Hostname(identity models.NodeIdentity) string {
	return ServiceName(identity) + ".local"
}

// Record is a handle on one registered mDNS service.
type Record interface {
	Shutdown()
}

// Registrar abstracts mDNS registration so advertisement logic is testable
// without touching the network.
type Registrar interface {
	Register(instance, service, domain string, port int, txt []string) (Record, error)
}

type zeroconfRegistrar struct{}

func (zeroconfRegistrar) Register(instance, service, domain string, port int, txt []string) (Record, error) {
	return zeroconf.Register(instance, service, domain, port, txt, nil)
}

type announcement struct {
	record Record
	port   int
}

type Advertiser struct {
	mu        sync.Mutex
	registrar Registrar
	records   map[string]*announcement // node identity ID -> announcement
	logger    logger.Logger
}

func NewAdvertiser(log logger.Logger) *Advertiser {
	return &Advertiser{
		registrar: zeroconfRegistrar{},
		records:   make(map[string]*announcement),
		logger:    log,
	}
}

// NewAdvertiserWithRegistrar is used by tests to substitute the mDNS layer.
func NewAdvertiserWithRegistrar(registrar Registrar, log logger.Logger) *Advertiser {
	return &Advertiser{
		registrar: registrar,
		records:   make(map[string]*announcement),
		logger:    log,
	}
}

// Announce registers the bridge's service record. Re-announcing the same
// identity on the same port is a no-op; a port change withdraws the stale
// record before registering the new one.
func (a *Advertiser) Announce(b *models.Bridge) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	id := b.Identity.ID

	if existing, ok := a.records[id]; ok {
		if existing.port == b.Port {
			return nil
		}

		existing.record.Shutdown()
		delete(a.records, id)
	}

	txt := []string{
		"node_id=" + id,
		"device=" + b.Device.Path,
	}

	record, err := a.registrar.Register(ServiceName(b.Identity), serviceType, domain, b.Port, txt)
	if err != nil {
		return fmt.Errorf("failed to register mDNS service for %s: %w", id, err)
	}

	a.records[id] = &announcement{record: record, port: b.Port}

	a.logger.Info().
		Str("node_id", id).
		Str("service", Hostname(b.Identity)).
		Int("port", b.Port).
		Msg("Advertised bridge")

	return nil
}

// Withdraw unregisters the identity's service record, if any.
func (a *Advertiser) Withdraw(identityID string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.records[identityID]
	if !ok {
		return
	}

	existing.record.Shutdown()
	delete(a.records, identityID)

	a.logger.Info().Str("node_id", identityID).Msg("Withdrew advertisement")
}

// WithdrawAll unregisters every record; called on shutdown.
func (a *Advertiser) WithdrawAll() {
	a.mu.Lock()
	defer a.mu.Unlock()

	for id, existing := range a.records {
		existing.record.Shutdown()
		delete(a.records, id)
	}
}

// Announced reports whether the identity currently has a live record, and
// on which port.
func (a *Advertiser) Announced(identityID string) (int, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	existing, ok := a.records[identityID]
	if !ok {
		return 0, false
	}

	return existing.port, true
}
