package certauthority

import (
	"net"
	"os"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/relaymesh/relayd"
)

func TestNewGeneratesRootOnFirstRun(t *testing.T) {
	dir := t.TempDir()
	ca, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.NotNil(t, ca.rootCert)
	require.True(t, ca.rootCert.IsCA)
}

func TestNewReloadsExistingRoot(t *testing.T) {
	dir := t.TempDir()
	ca1, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)

	ca2, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)

	require.Equal(t, ca1.rootCert.SerialNumber, ca2.rootCert.SerialNumber)
}

func TestNewRejectsHalfState(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, writePEM(dir+"/ca.crt", "CERTIFICATE", []byte("not a real cert")))

	_, err := New(dir, relayd.NewDiscardLogger())
	require.Error(t, err)
}

func TestServerTLSMaterialMintsAndCaches(t *testing.T) {
	dir := t.TempDir()
	ca, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)

	cert1, err := ca.ServerTLSMaterial("example.test", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.NotNil(t, cert1.Leaf)
	require.Equal(t, "example.test", cert1.Leaf.Subject.CommonName)

	cert2, err := ca.ServerTLSMaterial("example.test", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Equal(t, cert1.Leaf.SerialNumber, cert2.Leaf.SerialNumber, "same hostname/SANs should reuse the cached leaf")
}

func TestServerTLSMaterialLocalhostAddsLocaldomainSAN(t *testing.T) {
	dir := t.TempDir()
	ca, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)

	cert, err := ca.ServerTLSMaterial("localhost", nil)
	require.NoError(t, err)
	require.Contains(t, cert.Leaf.DNSNames, "localhost.localdomain")
}

func TestServerTLSMaterialPersistsLeafAcrossRestart(t *testing.T) {
	dir := t.TempDir()

	ca1, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	cert1, err := ca1.ServerTLSMaterial("localhost", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)

	certPath, keyPath := ca1.leafPaths("localhost")
	require.FileExists(t, certPath)
	require.FileExists(t, keyPath)
	info1, err := os.Stat(certPath)
	require.NoError(t, err)

	// spec.md §8 scenario 6: stop, restart, same leaf file is reused (mtime
	// unchanged) and the root's serial number is identical.
	ca2, err := New(dir, relayd.NewDiscardLogger())
	require.NoError(t, err)
	require.Equal(t, ca1.rootCert.SerialNumber, ca2.rootCert.SerialNumber)

	cert2, err := ca2.ServerTLSMaterial("localhost", []net.IP{net.ParseIP("127.0.0.1")})
	require.NoError(t, err)
	require.Equal(t, cert1.Leaf.SerialNumber, cert2.Leaf.SerialNumber)

	info2, err := os.Stat(certPath)
	require.NoError(t, err)
	require.Equal(t, info1.ModTime(), info2.ModTime(), "unchanged disk leaf must not be rewritten")
}

func TestLeafStemSanitisesHostname(t *testing.T) {
	require.Equal(t, "wildcard_example_test", leafStem("*.example.test"))
	require.Equal(t, "localhost", leafStem("localhost"))
}
