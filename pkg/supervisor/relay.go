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

package supervisor

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"runtime"
	"strconv"
	"strings"
	"sync"
)

// RelayProcess is an owned handle on one spawned relay. It is never shared:
// the supervisor's monitor goroutine is the only caller.
type RelayProcess interface {
	// Wait blocks until the process exits.
	Wait() error
	// Signal delivers a graceful termination signal.
	Signal(sig os.Signal) error
	// Kill forcibly terminates the process.
	Kill() error
	// Stderr returns the process's captured stderr so far.
	Stderr() string
}

// RelayRunner spawns the external byte-for-byte relay bound to a device
// path and a TCP port. Tests substitute a fake; production uses socat.
type RelayRunner interface {
	Start(ctx context.Context, devicePath string, baud, port int) (RelayProcess, error)
}

// CheckRelayBinary verifies the relay tool exists on PATH. A missing relay
// is a fatal startup condition, not something to retry.
func CheckRelayBinary(binary string) error {
	if _, err := exec.LookPath(binary); err != nil {
		hint := "apt-get install socat"
		if runtime.GOOS == "darwin" {
			hint = "brew install socat"
		}

		return fmt.Errorf("relay binary %q not found (install with: %s): %w", binary, hint, err)
	}

	return nil
}

// SocatRunner runs socat with a TCP listener on one side and the raw serial
// device on the other. The serial line is put into raw mode with stty first
// so the relay forwards bytes untouched.
type SocatRunner struct {
	Binary string
}

func NewSocatRunner(binary string) *SocatRunner {
	return &SocatRunner{Binary: binary}
}

func (r *SocatRunner) Start(ctx context.Context, devicePath string, baud, port int) (RelayProcess, error) {
	deviceFlag := "-F"
	if runtime.GOOS == "darwin" {
		deviceFlag = "-f"
	}

	stty := exec.CommandContext(ctx, "stty", deviceFlag, devicePath, strconv.Itoa(baud), "raw", "-echo")
	if out, err := stty.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("failed to set raw mode on %s: %w (%s)", devicePath, err, strings.TrimSpace(string(out)))
	}

	cmd := exec.Command(r.Binary,
		"-d", "-d",
		fmt.Sprintf("TCP-LISTEN:%d,reuseaddr,fork", port),
		fmt.Sprintf("OPEN:%s,nonblock=1", devicePath),
	)

	proc := &socatProcess{cmd: cmd}
	cmd.Stderr = &proc.stderr

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to start relay for %s: %w", devicePath, err)
	}

	return proc, nil
}

type socatProcess struct {
	cmd    *exec.Cmd
	mu     sync.Mutex
	stderr lockedBuffer
}

func (p *socatProcess) Wait() error {
	return p.cmd.Wait()
}

func (p *socatProcess) Signal(sig os.Signal) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}

	return p.cmd.Process.Signal(sig)
}

func (p *socatProcess) Kill() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cmd.Process == nil {
		return nil
	}

	return p.cmd.Process.Kill()
}

func (p *socatProcess) Stderr() string {
	return p.stderr.String()
}

// lockedBuffer guards the stderr buffer: the process writes while the
// monitor may read after an early exit.
type lockedBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *lockedBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.Write(p)
}

func (b *lockedBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()

	return b.buf.String()
}
