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

// Package scan enumerates serial ports and filters them down to devices that
// plausibly carry a mesh radio, using the USB vendor/product metadata of
// known USB-to-serial bridge chips.
package scan

import (
	"context"
	"regexp"
	"strings"

	"go.bug.st/serial/enumerator"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

// PortLister abstracts the OS serial port enumeration for testing.
type PortLister interface {
	List() ([]*enumerator.PortDetails, error)
}

type systemPortLister struct{}

func (systemPortLister) List() ([]*enumerator.PortDetails, error) {
	return enumerator.GetDetailedPortsList()
}

// vendorDescriptions maps USB vendor IDs of the serial bridge chips found on
// the supported radio boards to a human-readable description.
var vendorDescriptions = map[string]string{
	"10C4": "CP210x USB-Serial",
	"1A86": "CH340 USB-Serial",
	"0403": "FTDI USB-Serial",
	"303A": "Native USB (ESP32)",
	"239A": "Native USB (RP2040)",
	"2886": "Native USB (nRF52)",
}

// Long alphanumeric usbmodem suffixes belong to built-in modems and debug
// probes, not radios.
var skipPathPattern = regexp.MustCompile(`/dev/(cu|tty)\.usbmodem[A-Z0-9]{10,}$`)

type Scanner struct {
	lister PortLister
	logger logger.Logger
}

func NewScanner(log logger.Logger) *Scanner {
	return &Scanner{
		lister: systemPortLister{},
		logger: log,
	}
}

// NewScannerWithLister is used by tests to substitute the OS enumeration.
func NewScannerWithLister(lister PortLister, log logger.Logger) *Scanner {
	return &Scanner{
		lister: lister,
		logger: log,
	}
}

// Scan returns the candidate devices currently attached. An empty result is
// a normal state, never an error: enumeration failures are logged and
// reported as no devices so the reconciliation loop simply retries.
func (s *Scanner) Scan(ctx context.Context) []models.Device {
	if ctx.Err() != nil {
		return nil
	}

	ports, err := s.lister.List()
	if err != nil {
		s.logger.Warn().Err(err).Msg("Serial port enumeration failed")
		return nil
	}

	devices := make([]models.Device, 0, len(ports))

	for _, port := range ports {
		if !port.IsUSB {
			continue
		}

		if skipPathPattern.MatchString(port.Name) {
			s.logger.Debug().Str("path", port.Name).Msg("Skipping excluded device pattern")
			continue
		}

		vid := strings.ToUpper(port.VID)

		desc, known := vendorDescriptions[vid]
		if !known {
			s.logger.Debug().
				Str("path", port.Name).
				Str("vid", port.VID).
				Str("pid", port.PID).
				Msg("Skipping unrecognized USB serial vendor")

			continue
		}

		devices = append(devices, models.Device{
			Path:        port.Name,
			Description: desc,
			VendorID:    vid,
			ProductID:   strings.ToUpper(port.PID),
		})
	}

	return devices
}
