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

package models

import "time"

// Bridge binds one node identity to one TCP port. The relay process handle
// and the mDNS record are owned by the supervisor and the advertiser
// respectively; the registry only records the binding.
type Bridge struct {
	Identity  NodeIdentity `json:"identity"`
	Device    Device       `json:"device"`
	Port      int          `json:"port"`
	CreatedAt time.Time    `json:"created_at"`
}

// BridgeState is the supervisor-side lifecycle state of a bridge's relay
// process.
type BridgeState string

const (
	BridgeStatePending    BridgeState = "pending"
	BridgeStateRunning    BridgeState = "running"
	BridgeStateFailed     BridgeState = "failed"
	BridgeStateRestarting BridgeState = "restarting"
	BridgeStateStopped    BridgeState = "stopped"
)
