package identify

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

type fakePort struct {
	mu      sync.Mutex
	chunks  [][]byte
	writes  [][]byte
	readErr error
	closed  bool
}

func (p *fakePort) Read(buf []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if len(p.chunks) == 0 {
		if p.readErr != nil {
			return 0, p.readErr
		}

		// Simulate a read timeout with no data.
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		p.mu.Lock()

		return 0, nil
	}

	chunk := p.chunks[0]
	p.chunks = p.chunks[1:]

	n := copy(buf, chunk)
	if n < len(chunk) {
		p.chunks = append([][]byte{chunk[n:]}, p.chunks...)
	}

	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.writes = append(p.writes, append([]byte(nil), b...))

	return len(b), nil
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.closed = true

	return nil
}

func (p *fakePort) SetReadTimeout(time.Duration) error { return nil }

func (p *fakePort) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	return p.closed
}

type fakeOpener struct {
	port *fakePort
	err  error
}

func (o *fakeOpener) Open(string, int) (Port, error) {
	if o.err != nil {
		return nil, o.err
	}

	return o.port, nil
}

func newTestIdentifier(port *fakePort) *Identifier {
	return NewIdentifierWithOpener(&fakeOpener{port: port}, 115200, logger.NewTestLogger())
}

var testDevice = models.Device{Path: "/dev/ttyUSB0", Description: "CP210x USB-Serial"}

func TestIdentifySuccess(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		EncodeFrame(buildMyInfoPayload(0x3c7f9d4e)),
		EncodeFrame(buildConfigCompletePayload(wantConfigNonce)),
	}}

	identity, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "!3c7f9d4e", identity.ID)
	assert.Equal(t, "9d4e", identity.ShortID())
	assert.True(t, port.isClosed(), "port must be closed after a successful handshake")
}

func TestIdentifySendsWakeAndRequest(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		EncodeFrame(buildMyInfoPayload(1)),
		EncodeFrame(buildConfigCompletePayload(wantConfigNonce)),
	}}

	_, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.NoError(t, err)

	require.Len(t, port.writes, 2)

	for _, b := range port.writes[0] {
		assert.Equal(t, byte(frameStart2), b)
	}

	assert.Equal(t, byte(frameStart1), port.writes[1][0])
	assert.Equal(t, byte(frameStart2), port.writes[1][1])
}

func TestIdentifyOwnerName(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		EncodeFrame(buildMyInfoPayload(0x11223344)),
		EncodeFrame(buildNodeInfoPayload(0x11223344, "Base Camp", "BC")),
		EncodeFrame(buildConfigCompletePayload(wantConfigNonce)),
	}}

	identity, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "!11223344", identity.ID)
	assert.Equal(t, "Base Camp", identity.Owner)
}

func TestIdentifyIgnoresOtherNodesOwner(t *testing.T) {
	port := &fakePort{chunks: [][]byte{
		EncodeFrame(buildMyInfoPayload(0x11223344)),
		EncodeFrame(buildNodeInfoPayload(0x99999999, "Somebody Else", "SE")),
		EncodeFrame(buildConfigCompletePayload(wantConfigNonce)),
	}}

	identity, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.NoError(t, err)

	assert.Equal(t, "!11223344", identity.ID)
	assert.Empty(t, identity.Owner)
}

func TestIdentifyFragmentedFrames(t *testing.T) {
	frame := EncodeFrame(buildMyInfoPayload(0x3c7f9d4e))
	complete := EncodeFrame(buildConfigCompletePayload(wantConfigNonce))

	var chunks [][]byte
	for _, b := range frame {
		chunks = append(chunks, []byte{b})
	}

	chunks = append(chunks, complete[:2], complete[2:])

	port := &fakePort{chunks: chunks}

	identity, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.NoError(t, err)
	assert.Equal(t, "!3c7f9d4e", identity.ID)
}

func TestIdentifyNotAMatch(t *testing.T) {
	// Well-formed frames that never carry an identity.
	port := &fakePort{chunks: [][]byte{
		EncodeFrame(buildNodeInfoPayload(1, "Peer", "P")),
	}}

	_, err := newTestIdentifier(port).Identify(context.Background(), testDevice, 100*time.Millisecond)
	assert.ErrorIs(t, err, ErrNotAMatch)
	assert.True(t, port.isClosed(), "port must be closed on no-match")
}

func TestIdentifyTimeout(t *testing.T) {
	port := &fakePort{}

	_, err := newTestIdentifier(port).Identify(context.Background(), testDevice, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdentifyTimeout)
	assert.True(t, port.isClosed(), "port must be closed on timeout")
}

func TestIdentifyGarbageOnlyIsTimeout(t *testing.T) {
	port := &fakePort{chunks: [][]byte{[]byte("bootloader noise, no framing")}}

	_, err := newTestIdentifier(port).Identify(context.Background(), testDevice, 50*time.Millisecond)
	assert.ErrorIs(t, err, ErrIdentifyTimeout)
}

func TestIdentifyReadError(t *testing.T) {
	port := &fakePort{readErr: io.ErrUnexpectedEOF}

	_, err := newTestIdentifier(port).Identify(context.Background(), testDevice, time.Second)
	require.Error(t, err)
	assert.ErrorIs(t, err, io.ErrUnexpectedEOF)
	assert.NotErrorIs(t, err, ErrIdentifyTimeout)
	assert.True(t, port.isClosed(), "port must be closed on read error")
}

func TestIdentifyOpenError(t *testing.T) {
	opener := &fakeOpener{err: errors.New("device busy")}
	identifier := NewIdentifierWithOpener(opener, 115200, logger.NewTestLogger())

	_, err := identifier.Identify(context.Background(), testDevice, time.Second)
	assert.Error(t, err)
}

func TestIdentifyContextCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	port := &fakePort{}

	_, err := newTestIdentifier(port).Identify(ctx, testDevice, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
	assert.True(t, port.isClosed(), "port must be closed on cancellation")
}

func TestIdentifyAllBounded(t *testing.T) {
	devices := []models.Device{
		{Path: "/dev/ttyUSB0"},
		{Path: "/dev/ttyUSB1"},
		{Path: "/dev/ttyUSB2"},
	}

	// Shared opener: every device answers with the same identity bytes;
	// IdentifyAll must report one result per device regardless of pool
	// size.
	opener := &multiOpener{}
	identifier := NewIdentifierWithOpener(opener, 115200, logger.NewTestLogger())

	seen := make(map[string]bool)

	for result := range identifier.IdentifyAll(context.Background(), devices, time.Second, 2) {
		require.NoError(t, result.Err)
		seen[result.Device.Path] = true
	}

	assert.Len(t, seen, 3)
}

type multiOpener struct{}

func (*multiOpener) Open(string, int) (Port, error) {
	return &fakePort{chunks: [][]byte{
		EncodeFrame(buildMyInfoPayload(0xAA)),
		EncodeFrame(buildConfigCompletePayload(wantConfigNonce)),
	}}, nil
}
