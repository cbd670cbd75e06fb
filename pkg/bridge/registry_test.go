package bridge

import (
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/meshforge/meshbridge/pkg/logger"
	"github.com/meshforge/meshbridge/pkg/models"
)

const testBasePort = 4403

func newTestRegistry() *Registry {
	return NewRegistry(testBasePort, logger.NewTestLogger())
}

func identityN(n int) models.NodeIdentity {
	return models.NodeIdentity{ID: fmt.Sprintf("!%08x", n)}
}

func deviceN(n int) models.Device {
	return models.Device{Path: fmt.Sprintf("/dev/ttyUSB%d", n)}
}

func TestUpsertAllocatesSequentialPorts(t *testing.T) {
	reg := newTestRegistry()

	const count = 5

	ports := make(map[int]bool, count)

	for i := 0; i < count; i++ {
		b, created, err := reg.Upsert(identityN(i), deviceN(i))
		require.NoError(t, err)
		require.True(t, created)

		if b.Port < testBasePort {
			t.Fatalf("allocated port %d below base %d", b.Port, testBasePort)
		}

		if ports[b.Port] {
			t.Fatalf("port %d allocated twice", b.Port)
		}

		ports[b.Port] = true
	}

	require.Len(t, reg.List(), count)

	// Deterministic policy: first N devices get base..base+N-1.
	for i := 0; i < count; i++ {
		assert.True(t, ports[testBasePort+i], "expected port %d to be allocated", testBasePort+i)
	}
}

func TestUpsertIsIdempotentPerIdentity(t *testing.T) {
	reg := newTestRegistry()

	first, created, err := reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)
	require.True(t, created)

	// Same identity re-presented on a different path: no new bridge.
	second, created, err := reg.Upsert(identityN(1), deviceN(2))
	require.NoError(t, err)
	assert.False(t, created)
	assert.Equal(t, first.Port, second.Port)

	assert.Len(t, reg.List(), 1)
}

func TestRemoveFreesPortForImmediateReuse(t *testing.T) {
	reg := newTestRegistry()

	_, _, err := reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)

	b2, _, err := reg.Upsert(identityN(2), deviceN(2))
	require.NoError(t, err)
	require.Equal(t, testBasePort+1, b2.Port)

	removed, ok := reg.Remove(identityN(1).ID)
	require.True(t, ok)
	assert.Equal(t, testBasePort, removed.Port)

	b3, created, err := reg.Upsert(identityN(3), deviceN(3))
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, testBasePort, b3.Port, "freed port must be the next allocation")
}

func TestRemoveUnknownIdentity(t *testing.T) {
	reg := newTestRegistry()

	_, ok := reg.Remove("!deadbeef")
	assert.False(t, ok)
}

func TestFindByPath(t *testing.T) {
	reg := newTestRegistry()

	_, _, err := reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)

	b, ok := reg.FindByPath(deviceN(1).Path)
	require.True(t, ok)
	assert.Equal(t, identityN(1).ID, b.Identity.ID)

	_, ok = reg.FindByPath("/dev/ttyUSB9")
	assert.False(t, ok)

	reg.Remove(identityN(1).ID)

	_, ok = reg.FindByPath(deviceN(1).Path)
	assert.False(t, ok, "path index must be cleared on remove")
}

func TestIdentitiesSorted(t *testing.T) {
	reg := newTestRegistry()

	for _, n := range []int{3, 1, 2} {
		_, _, err := reg.Upsert(identityN(n), deviceN(n))
		require.NoError(t, err)
	}

	ids := reg.Identities()
	require.Len(t, ids, 3)
	assert.Equal(t, []string{"!00000001", "!00000002", "!00000003"}, ids)
}

func TestUpsertWithPort(t *testing.T) {
	reg := newTestRegistry()

	b, created, err := reg.UpsertWithPort(identityN(1), deviceN(1), 9000)
	require.NoError(t, err)
	require.True(t, created)
	assert.Equal(t, 9000, b.Port)

	// Operator picking a port already held by a bridge is an error.
	_, _, err = reg.UpsertWithPort(identityN(2), deviceN(2), 9000)
	assert.ErrorIs(t, err, ErrPortTaken)

	// Automatic allocation is unaffected by the custom port.
	auto, _, err := reg.Upsert(identityN(3), deviceN(3))
	require.NoError(t, err)
	assert.Equal(t, testBasePort, auto.Port)
}

func TestReassignSkipsBlockedPort(t *testing.T) {
	reg := newTestRegistry()

	b, _, err := reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)
	require.Equal(t, testBasePort, b.Port)

	moved, err := reg.Reassign(identityN(1).ID, testBasePort)
	require.NoError(t, err)
	require.NotNil(t, moved)
	assert.Equal(t, testBasePort+1, moved.Port)

	// The blocked port stays off-limits for later allocations too.
	reg.Remove(identityN(1).ID)

	next, _, err := reg.Upsert(identityN(2), deviceN(2))
	require.NoError(t, err)
	assert.Equal(t, testBasePort+1, next.Port)
}

func TestReassignUnknownIdentity(t *testing.T) {
	reg := newTestRegistry()

	moved, err := reg.Reassign("!deadbeef", testBasePort)
	require.NoError(t, err)
	assert.Nil(t, moved)
}

func TestSuggestPort(t *testing.T) {
	reg := newTestRegistry()

	port, err := reg.SuggestPort()
	require.NoError(t, err)
	assert.Equal(t, testBasePort, port)

	_, _, err = reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)

	port, err = reg.SuggestPort()
	require.NoError(t, err)
	assert.Equal(t, testBasePort+1, port)
}

func TestListReturnsCopies(t *testing.T) {
	reg := newTestRegistry()

	_, _, err := reg.Upsert(identityN(1), deviceN(1))
	require.NoError(t, err)

	list := reg.List()
	require.Len(t, list, 1)

	list[0].Port = 1

	b, ok := reg.Get(identityN(1).ID)
	require.True(t, ok)
	assert.Equal(t, testBasePort, b.Port, "mutating a returned bridge must not affect registry state")
}

// Concurrent upserts must never hand the same port to two identities:
// allocation and insertion are one atomic step.
func TestConcurrentUpsertsUniquePorts(t *testing.T) {
	reg := newTestRegistry()

	const workers = 32

	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)

		go func(n int) {
			defer wg.Done()

			_, _, err := reg.Upsert(identityN(n), deviceN(n))
			if err != nil {
				t.Errorf("upsert failed: %v", err)
			}
		}(i)
	}

	wg.Wait()

	bridges := reg.List()
	require.Len(t, bridges, workers)

	seen := make(map[int]bool, workers)
	for _, b := range bridges {
		if seen[b.Port] {
			t.Fatalf("port %d assigned to two bridges", b.Port)
		}

		seen[b.Port] = true

		assert.GreaterOrEqual(t, b.Port, testBasePort)
	}
}
