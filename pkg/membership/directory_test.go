package membership

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ryandielhenn/zephyrbus/pkg/wire"
)

var t0 = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

func addr(port int) *net.UDPAddr {
	return &net.UDPAddr{IP: net.IPv4(10, 0, 0, 1), Port: port}
}

func TestTouchDiscoversOnce(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	x := wire.NewNodeID()

	assert.True(t, d.Touch(x, addr(1000), t0))
	assert.False(t, d.Touch(x, addr(1000), t0.Add(100*time.Millisecond)))
	assert.False(t, d.Touch(x, addr(1000), t0.Add(200*time.Millisecond)))

	n, ok := d.Lookup(x)
	require.True(t, ok)
	assert.Equal(t, StateDiscovered, n.State)
	assert.Equal(t, t0.Add(200*time.Millisecond), n.LastSeen)
	assert.Equal(t, 1, d.Len())
}

func TestTouchIgnoresSelfAndBroadcast(t *testing.T) {
	self := wire.NewNodeID()
	d := NewDirectory(self, time.Second)

	assert.False(t, d.Touch(self, addr(1), t0))
	assert.False(t, d.Touch(wire.Broadcast, addr(1), t0))
	assert.Zero(t, d.Len())
}

func TestTouchFollowsRoamingEndpoint(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	x := wire.NewNodeID()

	d.Touch(x, addr(1000), t0)
	d.Touch(x, addr(2000), t0.Add(time.Millisecond))

	ep, ok := d.Endpoint(x)
	require.True(t, ok)
	assert.Equal(t, 2000, ep.Port)
}

func TestTouchCopiesEndpoint(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	x := wire.NewNodeID()
	a := addr(1000)

	d.Touch(x, a, t0)
	a.Port = 9
	a.IP[len(a.IP)-1] = 99

	ep, _ := d.Endpoint(x)
	assert.Equal(t, "10.0.0.1:1000", ep.String())
}

func TestSweepExpiredReportsEachLossOnce(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	x, y := wire.NewNodeID(), wire.NewNodeID()

	d.Touch(x, addr(1), t0)
	d.Touch(y, addr(2), t0.Add(900*time.Millisecond))

	assert.Empty(t, d.SweepExpired(t0.Add(time.Second)), "exactly at the timeout is still alive")

	lost := d.SweepExpired(t0.Add(1500 * time.Millisecond))
	require.Len(t, lost, 1)
	assert.Equal(t, x, lost[0].ID)
	assert.Equal(t, StateLost, lost[0].State)

	assert.Empty(t, d.SweepExpired(t0.Add(1600*time.Millisecond)))

	lost = d.SweepExpired(t0.Add(10 * time.Second))
	require.Len(t, lost, 1)
	assert.Equal(t, y, lost[0].ID)
	assert.Empty(t, d.SweepExpired(t0.Add(20*time.Second)))
}

func TestLostNodeAbsentFromSnapshot(t *testing.T) {
	timeout := 5 * time.Second
	d := NewDirectory(wire.NewNodeID(), timeout)
	x := wire.NewNodeID()

	d.Touch(x, addr(1), t0)
	require.Len(t, d.Snapshot(), 1)

	lost := d.SweepExpired(t0.Add(10 * timeout))
	require.Len(t, lost, 1)
	assert.Empty(t, d.Snapshot())
	_, ok := d.Lookup(x)
	assert.False(t, ok)

	prev, ok := d.LastLost(x)
	require.True(t, ok)
	assert.Equal(t, StateLost, prev.State)
}

func TestReappearanceIsFreshDiscovery(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	x := wire.NewNodeID()

	require.True(t, d.Touch(x, addr(1), t0))
	require.Len(t, d.SweepExpired(t0.Add(2*time.Second)), 1)

	assert.True(t, d.Touch(x, addr(7), t0.Add(3*time.Second)))
	n, _ := d.Lookup(x)
	assert.Equal(t, 7, n.Endpoint.Port)
	assert.Equal(t, t0.Add(3*time.Second), n.LastSeen)
}

func TestSnapshotIsSortedCopy(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), time.Second)
	for i := 0; i < 5; i++ {
		d.Touch(wire.NewNodeID(), addr(i), t0)
	}
	snap := d.Snapshot()
	require.Len(t, snap, 5)
	for i := 1; i < len(snap); i++ {
		assert.Negative(t, compareNodes(snap[i-1], snap[i]))
	}

	snap[0].Endpoint.Port = 4242
	n, _ := d.Lookup(snap[0].ID)
	assert.NotEqual(t, 4242, n.Endpoint.Port)
}

func TestDefaultTimeout(t *testing.T) {
	d := NewDirectory(wire.NewNodeID(), 0)
	assert.Equal(t, DefaultLivenessTimeout, d.LivenessTimeout())
}
