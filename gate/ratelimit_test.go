package gate

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd"
)

func TestAdmitEnforcesMaxInFlight(t *testing.T) {
	g := NewGate()
	g.Register("f1", 1, 100)

	t1, err := g.Admit("f1", true)
	require.NoError(t, err)
	require.True(t, t1.Counted)

	_, err = g.Admit("f1", true)
	require.Error(t, err)
	rerr, ok := err.(*relayd.Error)
	require.True(t, ok)
	require.Equal(t, relayd.OverCapacity, rerr.Kind)

	g.Release("f1", t1)
	_, err = g.Admit("f1", true)
	require.NoError(t, err)
}

func TestAdmitEnforcesRateLimit(t *testing.T) {
	g := NewGate()
	g.Register("f1", 100, 2)

	for i := 0; i < 2; i++ {
		_, err := g.Admit("f1", true)
		require.NoError(t, err)
	}
	_, err := g.Admit("f1", true)
	require.Error(t, err)
	rerr := err.(*relayd.Error)
	require.Equal(t, relayd.RateLimited, rerr.Kind)
}

func TestAdmitRateLimitWindowSlides(t *testing.T) {
	g := NewGate()
	g.Register("f1", 100, 1)

	_, err := g.Admit("f1", true)
	require.NoError(t, err)
	_, err = g.Admit("f1", true)
	require.Error(t, err)

	time.Sleep(1100 * time.Millisecond)
	_, err = g.Admit("f1", true)
	require.NoError(t, err)
}

func TestUDPDatagramsAreNotConcurrencyCapped(t *testing.T) {
	g := NewGate()
	g.Register("f1", 1, 100)

	_, err := g.Admit("f1", true)
	require.NoError(t, err)

	ticket, err := g.Admit("f1", false)
	require.NoError(t, err)
	require.False(t, ticket.Counted)
	require.EqualValues(t, 1, g.InFlight("f1"))
}

func TestReleaseIsNoopForUncountedTicket(t *testing.T) {
	g := NewGate()
	g.Register("f1", 5, 100)
	g.Release("f1", relayd.NewAdmissionTicket(false))
	require.EqualValues(t, 0, g.InFlight("f1"))
}

func TestAdmitUnregisteredFrontendFails(t *testing.T) {
	g := NewGate()
	_, err := g.Admit("missing", true)
	require.Error(t, err)
}
