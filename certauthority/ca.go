// Package certauthority implements the on-demand local certificate
// authority (spec.md §4.3, C3): a persistent self-signed root that mints
// and caches per-hostname leaf certificates. Grounded on
// caddytls/selfsigned.go's certificate-template construction and
// caddytls/certificates.go's in-memory cache shape (DESIGN.md).
package certauthority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"math/big"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd"
)

const (
	rootValidity = 10 * 365 * 24 * time.Hour
	rootKeyBits  = 2048
)

// CA is the persistent local root plus its leaf-certificate cache. It
// satisfies relayd.CertProvider.
type CA struct {
	dataDir string
	log     relayd.Logger

	rootCert *x509.Certificate
	rootKey  *rsa.PrivateKey

	leaves *leafCache
}

// New loads (or, on first start, generates) the root key/cert pair in
// dataDir (spec.md §4.3 "Root"; invariant 3: generated exactly once per
// data directory). It fails loudly if exactly one of ca.crt/ca.key
// exists, never silently regenerating over a partial root.
func New(dataDir string, log relayd.Logger) (*CA, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("certauthority: creating data dir: %w", err)
	}
	ca := &CA{dataDir: dataDir, log: log}
	ca.leaves = newLeafCache(ca)

	certPath := filepath.Join(dataDir, "ca.crt")
	keyPath := filepath.Join(dataDir, "ca.key")
	certExists := fileExists(certPath)
	keyExists := fileExists(keyPath)

	switch {
	case certExists && keyExists:
		cert, key, err := loadRoot(certPath, keyPath)
		if err != nil {
			return nil, fmt.Errorf("certauthority: loading root: %w", err)
		}
		ca.rootCert, ca.rootKey = cert, key
		log.Info("ca root loaded", zap.String("serial", cert.SerialNumber.String()))
	case certExists != keyExists:
		return nil, fmt.Errorf("certauthority: half state: ca.crt exists=%v ca.key exists=%v, refusing to proceed", certExists, keyExists)
	default:
		cert, key, err := generateRoot()
		if err != nil {
			return nil, fmt.Errorf("certauthority: generating root: %w", err)
		}
		if err := saveRoot(certPath, keyPath, cert, key); err != nil {
			return nil, fmt.Errorf("certauthority: saving root: %w", err)
		}
		ca.rootCert, ca.rootKey = cert, key
		log.Info("ca root generated", zap.String("serial", cert.SerialNumber.String()))
	}
	return ca, nil
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func generateRoot() (*x509.Certificate, *rsa.PrivateKey, error) {
	key, err := rsa.GenerateKey(rand.Reader, rootKeyBits)
	if err != nil {
		return nil, nil, err
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, nil, err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber:          serial,
		Subject:               pkix.Name{Organization: []string{"relayd local CA"}, CommonName: "relayd root"},
		NotBefore:             now.Add(-time.Hour),
		NotAfter:              now.Add(rootValidity),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return nil, nil, err
	}
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func randomSerial() (*big.Int, error) {
	limit := new(big.Int).Lsh(big.NewInt(1), 128)
	return rand.Int(rand.Reader, limit)
}

func saveRoot(certPath, keyPath string, cert *x509.Certificate, key *rsa.PrivateKey) error {
	if err := writePEM(certPath, "CERTIFICATE", cert.Raw); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(key)
	if err := writePEM(keyPath, "RSA PRIVATE KEY", keyDER); err != nil {
		return err
	}
	return nil
}

func loadRoot(certPath, keyPath string) (*x509.Certificate, *rsa.PrivateKey, error) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, nil, err
	}
	block, _ := pem.Decode(certPEM)
	if block == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", certPath)
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, nil, err
	}

	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, nil, err
	}
	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, nil, fmt.Errorf("no PEM block in %s", keyPath)
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, nil, err
	}
	return cert, key, nil
}

func writePEM(path, blockType string, der []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if err := pem.Encode(tmp, &pem.Block{Type: blockType, Bytes: der}); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return err
	}
	return os.Rename(tmpName, path)
}

// RootCertPEM returns the root certificate in PEM form, e.g. for operators
// to import into a trust store.
func (ca *CA) RootCertPEM() []byte {
	return pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: ca.rootCert.Raw})
}
