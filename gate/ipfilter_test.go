package gate

import (
	"net"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd"
)

func TestAllowDeniesListedAddress(t *testing.T) {
	f, err := NewIPFilter(t.TempDir(), relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, f.AddToDenylist("198.51.100.7"))

	addr := &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 1234}
	require.False(t, f.Allow("f1", addr))
	require.EqualValues(t, 1, f.BlockedByIP()["198.51.100.7"])
}

func TestAllowlistTakesPrecedence(t *testing.T) {
	f, err := NewIPFilter(t.TempDir(), relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, f.AddToAllowlist("203.0.113.9"))

	allowed := &net.TCPAddr{IP: net.ParseIP("203.0.113.9"), Port: 1}
	denied := &net.TCPAddr{IP: net.ParseIP("203.0.113.10"), Port: 1}
	require.True(t, f.Allow("f1", allowed))
	require.False(t, f.Allow("f1", denied))
}

func TestRemoveFromDenylistAllowsNextConnect(t *testing.T) {
	dir := t.TempDir()
	f, err := NewIPFilter(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, f.AddToDenylist("198.51.100.7"))

	addr := &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 1}
	require.False(t, f.Allow("f1", addr))

	require.NoError(t, f.RemoveFromDenylist("198.51.100.7"))
	require.True(t, f.Allow("f1", addr))

	data, err := os.ReadFile(filepath.Join(dir, "blacklist.json"))
	require.NoError(t, err)
	require.NotContains(t, string(data), "198.51.100.7")
}

func TestNewReloadsPersistedState(t *testing.T) {
	dir := t.TempDir()
	f1, err := NewIPFilter(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.NoError(t, f1.AddToDenylist("198.51.100.7"))

	f2, err := NewIPFilter(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	addr := &net.TCPAddr{IP: net.ParseIP("198.51.100.7"), Port: 1}
	require.False(t, f2.Allow("f1", addr))
}

func TestSeedRejectsInvalidAddress(t *testing.T) {
	f, err := NewIPFilter(t.TempDir(), relayd.NewDiscardLogger())
	require.NoError(t, err)
	err = f.Seed(relayd.FrontendSpec{Name: "f1", Blacklist: []string{"not-an-ip"}})
	require.Error(t, err)
}
