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

// Package models defines the shared data types for device discovery,
// identification, and bridge management.
package models

import (
	"fmt"
	"strings"
)

// Device is a serial attachment point as the OS currently exposes it. The
// path is transient: the same physical radio can reappear on a different
// path after a replug, so nothing persistent is ever keyed by it.
type Device struct {
	Path        string `json:"path"`
	Description string `json:"description,omitempty"`
	VendorID    string `json:"vendor_id,omitempty"`
	ProductID   string `json:"product_id,omitempty"`
}

func (d Device) String() string {
	if d.Description == "" {
		return d.Path
	}

	return fmt.Sprintf("%s (%s)", d.Path, d.Description)
}

// NodeIdentity is the stable identity of the radio hardware, independent of
// the device path it currently occupies. ID is the canonical node token,
// e.g. "!3c7f9d4e".
type NodeIdentity struct {
	ID    string `json:"id"`
	Owner string `json:"owner,omitempty"`
}

// ShortID returns the last four hex characters of the node token, the part
// used to derive the advertised service name.
func (n NodeIdentity) ShortID() string {
	id := strings.TrimPrefix(n.ID, "!")
	if len(id) <= 4 {
		return id
	}

	return id[len(id)-4:]
}

func (n NodeIdentity) String() string {
	if n.Owner == "" {
		return n.ID
	}

	return fmt.Sprintf("%s (%s)", n.ID, n.Owner)
}
