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

package orchestrator

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"

	"github.com/meshforge/meshbridge/pkg/advertise"
	"github.com/meshforge/meshbridge/pkg/identify"
	"github.com/meshforge/meshbridge/pkg/models"
)

// RunInteractive presents discovered devices and lets the operator pick
// which ones to bridge, one selection per prompt, until 'q' or the context
// ends the session. All bridges are torn down on exit.
func (o *Orchestrator) RunInteractive(ctx context.Context, in io.Reader, out io.Writer) error {
	defer o.Shutdown()

	// Supervisor events still need handling while the menu waits on
	// stdin.
	go func() {
		for {
			select {
			case <-ctx.Done():
				return
			case event := <-o.supervisor.Events():
				o.handleEvent(event)
			}
		}
	}()

	lines := readLines(ctx, in)

	var (
		results  []identify.Result
		needScan = true
	)

	for {
		fmt.Fprintf(out, "\n=== Serial Mesh Bridge Manager ===\n")
		o.printBridges(out)

		if needScan {
			results = o.survey(ctx, out)
			needScan = false
		}

		if ctx.Err() != nil {
			return nil
		}

		o.printMenu(out, results)
		fmt.Fprintf(out, "\nChoose an option: ")

		line, ok := nextLine(ctx, lines)
		if !ok {
			return nil
		}

		switch {
		case line == "q":
			return nil

		case line == "r":
			needScan = true

		case line == "s":
			for _, id := range o.registry.Identities() {
				o.Teardown(id)
			}

			fmt.Fprintln(out, "All bridges stopped.")

		default:
			index, err := strconv.Atoi(line)
			if err != nil || index < 1 || index > len(results) {
				fmt.Fprintln(out, "Invalid option")
				continue
			}

			o.bridgeSelection(ctx, out, lines, results[index-1])
		}
	}
}

// survey scans for devices and identifies every one that is not already
// bridged, printing progress as the original-style device listing.
func (o *Orchestrator) survey(ctx context.Context, out io.Writer) []identify.Result {
	fmt.Fprintln(out, "\nSearching for serial devices...")

	devices := o.scanner.Scan(ctx)

	candidates := make([]models.Device, 0, len(devices))

	var results []identify.Result

	for _, d := range devices {
		if b, bridged := o.registry.FindByPath(d.Path); bridged {
			// Keep bridged devices in the listing so the menu can
			// annotate them, but skip the handshake: the relay
			// owns the device handle now.
			results = append(results, identify.Result{Device: d, Identity: b.Identity})
			continue
		}

		candidates = append(candidates, d)
	}

	if len(candidates) > 0 {
		fmt.Fprintln(out, "Querying devices for node identities...")

		for result := range o.identifier.IdentifyAll(ctx, candidates, o.cfg.IdentifyTimeout.Duration(), o.cfg.IdentifyConcurrency) {
			results = append(results, result)
		}
	}

	sort.Slice(results, func(i, j int) bool { return results[i].Device.Path < results[j].Device.Path })

	return results
}

func (o *Orchestrator) printBridges(out io.Writer) {
	bridges := o.registry.List()
	if len(bridges) == 0 {
		return
	}

	fmt.Fprintln(out, "\nActive bridges:")

	for i, b := range bridges {
		status := "running"
		if !o.supervisor.IsAlive(b.Identity.ID) {
			status = "starting"
		}

		fmt.Fprintf(out, "  [%d] %s (%s) -> tcp/%d [%s] %s\n",
			i+1, b.Device.Path, b.Identity, b.Port, status, advertise.Hostname(b.Identity))
	}
}

func (o *Orchestrator) printMenu(out io.Writer, results []identify.Result) {
	if len(results) == 0 {
		fmt.Fprintln(out, "\nNo serial devices found. Make sure your radio is connected via USB.")
		fmt.Fprintln(out, "\nOptions:")
		fmt.Fprintln(out, "  [r] Rescan")
		fmt.Fprintln(out, "  [q] Quit")

		return
	}

	fmt.Fprintf(out, "\nFound %d device(s):\n", len(results))

	for i, result := range results {
		label := describeResult(result)

		if b, bridged := o.registry.FindByPath(result.Device.Path); bridged {
			fmt.Fprintf(out, "  [%d] %s [bridge active on port %d]\n", i+1, label, b.Port)
		} else {
			fmt.Fprintf(out, "  [%d] %s\n", i+1, label)
		}
	}

	fmt.Fprintln(out, "\nOptions:")
	fmt.Fprintf(out, "  [1-%d] Create bridge for device\n", len(results))

	if len(o.registry.Identities()) > 0 {
		fmt.Fprintln(out, "  [s] Stop all bridges")
	}

	fmt.Fprintln(out, "  [r] Rescan")
	fmt.Fprintln(out, "  [q] Quit")
}

func describeResult(result identify.Result) string {
	switch {
	case result.Err == nil:
		return fmt.Sprintf("%s - %s", result.Device, result.Identity)
	case errors.Is(result.Err, identify.ErrNotAMatch):
		return fmt.Sprintf("%s - not a mesh radio", result.Device)
	case errors.Is(result.Err, identify.ErrIdentifyTimeout):
		return fmt.Sprintf("%s - no response", result.Device)
	default:
		return fmt.Sprintf("%s - error", result.Device)
	}
}

// bridgeSelection bridges one chosen device, prompting for the TCP port
// with the allocator's suggestion as the default.
func (o *Orchestrator) bridgeSelection(ctx context.Context, out io.Writer, lines <-chan string, result identify.Result) {
	if b, bridged := o.registry.FindByPath(result.Device.Path); bridged {
		fmt.Fprintf(out, "Bridge already running for this device on port %d\n", b.Port)
		return
	}

	if result.Err != nil {
		fmt.Fprintf(out, "Cannot bridge %s: no node identity (%s)\n", result.Device.Path, describeResult(result))
		return
	}

	suggested, err := o.registry.SuggestPort()
	if err != nil {
		fmt.Fprintf(out, "Cannot bridge: %v\n", err)
		return
	}

	fmt.Fprintf(out, "TCP port [%d]: ", suggested)

	line, ok := nextLine(ctx, lines)
	if !ok {
		return
	}

	if line == "" {
		o.Establish(result.Identity, result.Device)
		return
	}

	port, err := strconv.Atoi(line)
	if err != nil || port < 1 || port > 65535 {
		fmt.Fprintln(out, "Invalid port number")
		return
	}

	if err := o.EstablishWithPort(result.Identity, result.Device, port); err != nil {
		fmt.Fprintf(out, "Failed to create bridge: %v\n", err)
	}
}

// readLines turns a reader into a channel of trimmed lines so prompts can
// also honor context cancellation.
func readLines(ctx context.Context, in io.Reader) <-chan string {
	lines := make(chan string)

	go func() {
		defer close(lines)

		scanner := bufio.NewScanner(in)
		for scanner.Scan() {
			select {
			case <-ctx.Done():
				return
			case lines <- strings.TrimSpace(scanner.Text()):
			}
		}
	}()

	return lines
}

func nextLine(ctx context.Context, lines <-chan string) (string, bool) {
	select {
	case <-ctx.Done():
		return "", false
	case line, ok := <-lines:
		if !ok {
			return "", false
		}

		return strings.ToLower(line), true
	}
}
