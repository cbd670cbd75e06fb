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

// Package identify speaks the framed handshake that proves a serial device
// is a mesh radio and extracts its stable node identity.
package identify

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"go.bug.st/serial"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

var (
	// ErrNotAMatch means the device answered with well-formed frames that
	// never carried a node identity; it speaks the framing but is not a
	// radio we can bridge.
	ErrNotAMatch = errors.New("device is not a mesh radio")

	// ErrIdentifyTimeout means no complete frame arrived within the
	// handshake timeout.
	ErrIdentifyTimeout = errors.New("identification timed out")
)

const (
	// readPollInterval bounds a single blocking read so cancellation and
	// the handshake deadline are checked regularly.
	readPollInterval = 200 * time.Millisecond

	// ownerGrace is how long to keep listening for the owner's name after
	// the node number has already arrived.
	ownerGrace = 2 * time.Second

	// wakeLen is the number of filler bytes written ahead of the request
	// to flush the radio's serial parser out of any debug-log state.
	wakeLen = 32

	wantConfigNonce = 42
)

// Port is the subset of a serial connection the identifier uses. The
// concrete implementation is go.bug.st/serial's Port; tests substitute an
// in-memory fake.
type Port interface {
	io.ReadWriteCloser
	SetReadTimeout(t time.Duration) error
}

// PortOpener abstracts opening a serial device in raw mode at a fixed baud
// rate.
type PortOpener interface {
	Open(path string, baud int) (Port, error)
}

type serialPortOpener struct{}

func (serialPortOpener) Open(path string, baud int) (Port, error) {
	port, err := serial.Open(path, &serial.Mode{BaudRate: baud})
	if err != nil {
		return nil, err
	}

	return port, nil
}

type Identifier struct {
	opener PortOpener
	baud   int
	logger logger.Logger
}

func NewIdentifier(baud int, log logger.Logger) *Identifier {
	return &Identifier{
		opener: serialPortOpener{},
		baud:   baud,
		logger: log,
	}
}

// NewIdentifierWithOpener is used by tests to substitute the serial layer.
func NewIdentifierWithOpener(opener PortOpener, baud int, log logger.Logger) *Identifier {
	return &Identifier{
		opener: opener,
		baud:   baud,
		logger: log,
	}
}

// Identify opens the device, sends the configuration request, and reads
// frames until a node identity arrives or the timeout elapses. The port is
// closed on every exit path so the relay process can open the same device
// immediately afterwards.
//
// Errors: ErrIdentifyTimeout when no frame arrived, ErrNotAMatch when frames
// arrived without an identity, and wrapped I/O errors when the device
// vanished mid-handshake.
func (i *Identifier) Identify(ctx context.Context, device models.Device, timeout time.Duration) (models.NodeIdentity, error) {
	port, err := i.opener.Open(device.Path, i.baud)
	if err != nil {
		return models.NodeIdentity{}, fmt.Errorf("failed to open %s: %w", device.Path, err)
	}
	defer func() {
		_ = port.Close()
	}()

	if err := port.SetReadTimeout(readPollInterval); err != nil {
		return models.NodeIdentity{}, fmt.Errorf("failed to configure %s: %w", device.Path, err)
	}

	if err := i.sendWantConfig(port); err != nil {
		return models.NodeIdentity{}, fmt.Errorf("failed to write to %s: %w", device.Path, err)
	}

	return i.readIdentity(ctx, port, device, timeout)
}

func (i *Identifier) sendWantConfig(port Port) error {
	wake := make([]byte, wakeLen)
	for n := range wake {
		wake[n] = frameStart2
	}

	if _, err := port.Write(wake); err != nil {
		return err
	}

	_, err := port.Write(EncodeFrame(encodeWantConfig(wantConfigNonce)))

	return err
}

func (i *Identifier) readIdentity(ctx context.Context, port Port, device models.Device, timeout time.Duration) (models.NodeIdentity, error) {
	var (
		decoder  FrameDecoder
		identity models.NodeIdentity
		idSeen   time.Time
		sawFrame bool
	)

	deadline := time.Now().Add(timeout)
	buf := make([]byte, 256)

	for {
		select {
		case <-ctx.Done():
			return models.NodeIdentity{}, ctx.Err()
		default:
		}

		if time.Now().After(deadline) {
			break
		}

		n, err := port.Read(buf)
		if err != nil {
			return models.NodeIdentity{}, fmt.Errorf("failed to read from %s: %w", device.Path, err)
		}

		for _, payload := range decoder.Feed(buf[:n]) {
			sawFrame = true

			update, err := parseFromRadio(payload)
			if err != nil {
				i.logger.Debug().Err(err).Str("path", device.Path).Msg("Discarding malformed frame")
				continue
			}

			if update.hasNodeNum && identity.ID == "" {
				identity.ID = fmt.Sprintf("!%08x", update.nodeNum)
				idSeen = time.Now()

				i.logger.Debug().
					Str("path", device.Path).
					Str("node_id", identity.ID).
					Msg("Node identity received")
			}

			if update.hasOwner && identity.ID != "" && identity.Owner == "" {
				if update.ownerNodeNum == 0 || fmt.Sprintf("!%08x", update.ownerNodeNum) == identity.ID {
					if update.ownerLongName != "" {
						identity.Owner = update.ownerLongName
					} else {
						identity.Owner = update.ownerShortName
					}
				}
			}

			if update.isComplete && identity.ID != "" {
				return identity, nil
			}
		}

		if identity.ID != "" {
			if identity.Owner != "" || time.Since(idSeen) > ownerGrace {
				return identity, nil
			}
		}
	}

	if identity.ID != "" {
		return identity, nil
	}

	if sawFrame {
		return models.NodeIdentity{}, ErrNotAMatch
	}

	return models.NodeIdentity{}, ErrIdentifyTimeout
}
