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

// Package bridge holds the authoritative registry mapping node identities to
// live bridges. The registry is the dedup point: at most one bridge exists
// per node identity, regardless of how the device re-enumerates.
package bridge

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

const maxPort = 65535

var (
	// ErrNoPortsAvailable means every port from the base up is held by a
	// bridge or known to be externally occupied.
	ErrNoPortsAvailable = errors.New("no TCP ports available")

	// ErrPortTaken means an operator-chosen port collides with a live
	// bridge.
	ErrPortTaken = errors.New("port already in use by another bridge")
)

type Registry struct {
	mu       sync.RWMutex
	basePort int
	bridges  map[string]*models.Bridge // node identity ID -> bridge
	byPath   map[string]string         // device path -> node identity ID
	blocked  map[int]bool              // ports an unrelated process is squatting on
	logger   logger.Logger
}

func NewRegistry(basePort int, log logger.Logger) *Registry {
	return &Registry{
		basePort: basePort,
		bridges:  make(map[string]*models.Bridge),
		byPath:   make(map[string]string),
		blocked:  make(map[int]bool),
		logger:   log,
	}
}

// Upsert returns the live bridge for the identity, creating it with the
// lowest free port at or above the base when none exists. Allocation and
// insertion happen under one lock so two concurrent reconciliation passes
// can never hand the same port to different devices. The second return
// value reports whether a new bridge was created; re-presenting a known
// identity is a no-op that returns the existing bridge.
func (r *Registry) Upsert(identity models.NodeIdentity, device models.Device) (*models.Bridge, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bridges[identity.ID]; ok {
		return cloneBridge(existing), false, nil
	}

	port, err := r.lowestFreePortLocked()
	if err != nil {
		return nil, false, err
	}

	b := &models.Bridge{
		Identity:  identity,
		Device:    device,
		Port:      port,
		CreatedAt: time.Now(),
	}

	r.bridges[identity.ID] = b
	r.byPath[device.Path] = identity.ID

	return cloneBridge(b), true, nil
}

// UpsertWithPort is the interactive-mode variant of Upsert: the operator
// picked the port. It fails if the port is already held by another bridge.
func (r *Registry) UpsertWithPort(identity models.NodeIdentity, device models.Device, port int) (*models.Bridge, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if existing, ok := r.bridges[identity.ID]; ok {
		return cloneBridge(existing), false, nil
	}

	for _, b := range r.bridges {
		if b.Port == port {
			return nil, false, fmt.Errorf("%w: port %d is held by %s", ErrPortTaken, port, b.Identity.ID)
		}
	}

	b := &models.Bridge{
		Identity:  identity,
		Device:    device,
		Port:      port,
		CreatedAt: time.Now(),
	}

	r.bridges[identity.ID] = b
	r.byPath[device.Path] = identity.ID

	return cloneBridge(b), true, nil
}

// SuggestPort returns the port Upsert would allocate right now, for
// display as the interactive default.
func (r *Registry) SuggestPort() (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	return r.lowestFreePortLocked()
}

// Remove deletes the bridge for the identity and frees its port. The caller
// is responsible for tearing down the relay process and the advertisement
// before or immediately after removal.
func (r *Registry) Remove(identityID string) (*models.Bridge, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.bridges[identityID]
	if !ok {
		return nil, false
	}

	delete(r.bridges, identityID)
	delete(r.byPath, b.Device.Path)

	return cloneBridge(b), true
}

// Get retrieves the bridge for a node identity.
func (r *Registry) Get(identityID string) (*models.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	b, ok := r.bridges[identityID]
	if !ok {
		return nil, false
	}

	return cloneBridge(b), true
}

// FindByPath resolves the bridge currently backed by a device path, if any.
func (r *Registry) FindByPath(path string) (*models.Bridge, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	id, ok := r.byPath[path]
	if !ok {
		return nil, false
	}

	b, ok := r.bridges[id]
	if !ok {
		return nil, false
	}

	return cloneBridge(b), true
}

// Identities returns the node identity IDs of every live bridge.
func (r *Registry) Identities() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.bridges))
	for id := range r.bridges {
		ids = append(ids, id)
	}

	sort.Strings(ids)

	return ids
}

// List returns copies of all live bridges ordered by port.
func (r *Registry) List() []*models.Bridge {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make([]*models.Bridge, 0, len(r.bridges))
	for _, b := range r.bridges {
		out = append(out, cloneBridge(b))
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Port < out[j].Port })

	return out
}

// Reassign moves a bridge off a port an unrelated process turned out to be
// holding. The failed port is remembered as blocked so the allocator skips
// it from now on.
func (r *Registry) Reassign(identityID string, failedPort int) (*models.Bridge, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.blocked[failedPort] = true

	b, ok := r.bridges[identityID]
	if !ok {
		return nil, nil
	}

	port, err := r.lowestFreePortLocked()
	if err != nil {
		return nil, err
	}

	r.logger.Warn().
		Str("node_id", identityID).
		Int("failed_port", failedPort).
		Int("port", port).
		Msg("Reassigning bridge port")

	b.Port = port

	return cloneBridge(b), nil
}

// lowestFreePortLocked returns the smallest port >= basePort not held by a
// live bridge and not known to be externally occupied.
func (r *Registry) lowestFreePortLocked() (int, error) {
	used := make(map[int]bool, len(r.bridges))
	for _, b := range r.bridges {
		used[b.Port] = true
	}

	for port := r.basePort; port <= maxPort; port++ {
		if !used[port] && !r.blocked[port] {
			return port, nil
		}
	}

	return 0, ErrNoPortsAvailable
}

func cloneBridge(b *models.Bridge) *models.Bridge {
	if b == nil {
		return nil
	}

	clone := *b

	return &clone
}
