package certauthority

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/relaymesh/relayd"
)

const (
	// leafValidity is the lifetime of a minted leaf certificate (spec.md
	// §4.3 "validity = 1 year").
	leafValidity = 365 * 24 * time.Hour
	leafKeyBits  = 2048
	// reuseThreshold is the minimum remaining validity a cached leaf (disk
	// or memory) must have to be reused rather than reminted (spec.md §3
	// invariant 4: "≥ 30 days remaining").
	reuseThreshold = 30 * 24 * time.Hour
)

// leafCacheEntry is one minted certificate plus the SAN set it was minted
// for. A cache hit is checked for expiry only; the IP SANs are already part
// of the cache key (cacheKey), so a different SAN set misses the cache.
type leafCacheEntry struct {
	cert    tls.Certificate
	leaf    *x509.Certificate
	dnsSANs []string
	ipSANs  []string
}

// leafCache mints and reuses per-hostname leaf certificates signed by the
// owning CA's root. Grounded on caddytls/certificates.go's in-memory
// certificate cache, narrowed to this package's single-root, dedup-by-key
// requirements (DESIGN.md). A miss here falls through to the on-disk
// <stem>.crt/<stem>.key pair (spec.md §4.3 step 2) before minting fresh
// material, so a leaf survives a process restart (spec.md §8 scenario 6).
type leafCache struct {
	ca *CA

	mu      sync.Mutex
	entries map[string]*leafCacheEntry

	inflight map[string]*sync.WaitGroup
}

func newLeafCache(ca *CA) *leafCache {
	return &leafCache{
		ca:       ca,
		entries:  map[string]*leafCacheEntry{},
		inflight: map[string]*sync.WaitGroup{},
	}
}

// ServerTLSMaterial implements relayd.CertProvider (spec.md §4.3): return a
// cached leaf for hostname if one covers ipSANs and isn't within
// reuseThreshold of expiry, else mint a new one. Concurrent callers for the
// same (hostname, SANs) key are deduplicated via a per-key WaitGroup so only
// one goroutine ever calls x509.CreateCertificate for a given key at a time.
func (ca *CA) ServerTLSMaterial(hostname string, ipSANs []net.IP) (tls.Certificate, error) {
	return ca.leaves.get(hostname, ipSANs, ca.log)
}

func (lc *leafCache) get(hostname string, ipSANs []net.IP, log relayd.Logger) (tls.Certificate, error) {
	key := cacheKey(hostname, ipSANs)
	dnsNames := dnsNamesFor(hostname)
	ipStrs := ipStrings(ipSANs)

	for {
		lc.mu.Lock()
		if entry, ok := lc.entries[key]; ok && !nearExpiry(entry.leaf) {
			lc.mu.Unlock()
			return entry.cert, nil
		}
		if wg, inflight := lc.inflight[key]; inflight {
			lc.mu.Unlock()
			wg.Wait()
			continue // re-check the cache now that the other mint finished
		}
		wg := &sync.WaitGroup{}
		wg.Add(1)
		lc.inflight[key] = wg
		lc.mu.Unlock()

		entry, err := lc.loadOrMint(hostname, dnsNames, ipSANs, ipStrs, log)

		lc.mu.Lock()
		if err == nil {
			lc.entries[key] = entry
		}
		delete(lc.inflight, key)
		lc.mu.Unlock()
		wg.Done()

		if err != nil {
			return tls.Certificate{}, err
		}
		return entry.cert, nil
	}
}

// loadOrMint implements spec.md §4.3 step 2/3: reuse the on-disk
// <stem>.crt/<stem>.key pair when it exists, parses, covers the requested
// SAN set, and has at least reuseThreshold remaining; otherwise mint and
// persist a fresh leaf.
func (lc *leafCache) loadOrMint(hostname string, dnsNames []string, ipSANs []net.IP, ipStrs []string, log relayd.Logger) (*leafCacheEntry, error) {
	certPath, keyPath := lc.ca.leafPaths(hostname)
	if entry, ok := loadLeaf(certPath, keyPath, dnsNames, ipStrs); ok {
		log.Debug("leaf certificate reused from disk", zap.String("hostname", hostname))
		return entry, nil
	}

	entry, err := lc.ca.mint(hostname, dnsNames, ipSANs, ipStrs)
	if err != nil {
		return nil, err
	}
	if err := saveLeaf(certPath, keyPath, entry); err != nil {
		return nil, fmt.Errorf("certauthority: saving leaf for %s: %w", hostname, err)
	}
	log.Debug("leaf certificate minted", zap.String("hostname", hostname))
	return entry, nil
}

func nearExpiry(leaf *x509.Certificate) bool {
	return time.Until(leaf.NotAfter) < reuseThreshold
}

func cacheKey(hostname string, ipSANs []net.IP) string {
	var b strings.Builder
	b.WriteString(strings.ToLower(hostname))
	for _, ip := range ipSANs {
		b.WriteByte('|')
		b.WriteString(ip.String())
	}
	return b.String()
}

// dnsNamesFor returns hostname itself, plus the "<hostname>.localdomain"
// special case for "localhost" (matching many local-dev trust stores'
// expectations), as the DNS SAN set (spec.md §4.3).
func dnsNamesFor(hostname string) []string {
	names := []string{hostname}
	if hostname == "localhost" {
		names = append(names, "localhost.localdomain")
	}
	return names
}

func ipStrings(ips []net.IP) []string {
	out := make([]string, len(ips))
	for i, ip := range ips {
		out[i] = ip.String()
	}
	return out
}

// mint signs a new leaf certificate for hostname with the given DNS and IP
// SANs (spec.md §4.3 step 3).
func (ca *CA) mint(hostname string, dnsNames []string, ipSANs []net.IP, ipStrs []string) (*leafCacheEntry, error) {
	key, err := rsa.GenerateKey(rand.Reader, leafKeyBits)
	if err != nil {
		return nil, fmt.Errorf("certauthority: generating leaf key: %w", err)
	}
	serial, err := randomSerial()
	if err != nil {
		return nil, fmt.Errorf("certauthority: generating leaf serial: %w", err)
	}

	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: hostname},
		NotBefore:    now.Add(-time.Hour),
		NotAfter:     now.Add(leafValidity),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
		ExtKeyUsage:  []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		DNSNames:     dnsNames,
		IPAddresses:  ipSANs,
	}

	der, err := x509.CreateCertificate(rand.Reader, template, ca.rootCert, &key.PublicKey, ca.rootKey)
	if err != nil {
		return nil, fmt.Errorf("certauthority: signing leaf: %w", err)
	}
	leaf, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("certauthority: parsing minted leaf: %w", err)
	}

	cert := tls.Certificate{
		Certificate: [][]byte{der, ca.rootCert.Raw},
		PrivateKey:  key,
		Leaf:        leaf,
	}
	return &leafCacheEntry{cert: cert, leaf: leaf, dnsSANs: dnsNames, ipSANs: ipStrs}, nil
}

// leafPaths computes the <stem>.crt/<stem>.key pair for hostname (spec.md
// §4.3 step 1: "*" -> "wildcard", "." -> "_").
func (ca *CA) leafPaths(hostname string) (certPath, keyPath string) {
	stem := leafStem(hostname)
	return filepath.Join(ca.dataDir, stem+".crt"), filepath.Join(ca.dataDir, stem+".key")
}

func leafStem(hostname string) string {
	stem := strings.ReplaceAll(hostname, "*", "wildcard")
	stem = strings.ReplaceAll(stem, ".", "_")
	if stem == "" {
		stem = "_"
	}
	return stem
}

// saveLeaf persists a minted leaf's certificate (with the issuing root
// appended, matching the chain ServerTLSMaterial hands to tls.Config) and
// private key as PEM files.
func saveLeaf(certPath, keyPath string, entry *leafCacheEntry) error {
	var certPEM []byte
	for _, der := range entry.cert.Certificate {
		certPEM = append(certPEM, pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})...)
	}
	if err := writeFileAtomic(certPath, certPEM); err != nil {
		return err
	}
	keyDER := x509.MarshalPKCS1PrivateKey(entry.cert.PrivateKey.(*rsa.PrivateKey))
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: keyDER})
	return writeFileAtomic(keyPath, keyPEM)
}

// loadLeaf reads a previously persisted <stem>.crt/<stem>.key pair and
// accepts it only if it parses, has at least reuseThreshold remaining
// (invariant 4), and its SAN set exactly covers what's being requested --
// a narrower or differently-SANed disk leaf is left alone and a fresh one
// minted instead.
func loadLeaf(certPath, keyPath string, dnsNames, ipStrs []string) (*leafCacheEntry, bool) {
	certPEM, err := os.ReadFile(certPath)
	if err != nil {
		return nil, false
	}
	keyPEM, err := os.ReadFile(keyPath)
	if err != nil {
		return nil, false
	}

	var leafDER []byte
	var chain [][]byte
	rest := certPEM
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}
		if leafDER == nil {
			leafDER = block.Bytes
		}
		chain = append(chain, block.Bytes)
	}
	if leafDER == nil {
		return nil, false
	}
	leaf, err := x509.ParseCertificate(leafDER)
	if err != nil {
		return nil, false
	}
	if nearExpiry(leaf) {
		return nil, false
	}
	if !sameSANSet(leaf.DNSNames, dnsNames) || !sameSANSet(ipStrings(leaf.IPAddresses), ipStrs) {
		return nil, false
	}

	keyBlock, _ := pem.Decode(keyPEM)
	if keyBlock == nil {
		return nil, false
	}
	key, err := x509.ParsePKCS1PrivateKey(keyBlock.Bytes)
	if err != nil {
		return nil, false
	}

	return &leafCacheEntry{
		cert:    tls.Certificate{Certificate: chain, PrivateKey: key, Leaf: leaf},
		leaf:    leaf,
		dnsSANs: dnsNames,
		ipSANs:  ipStrs,
	}, true
}

func sameSANSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	sa, sb := append([]string(nil), a...), append([]string(nil), b...)
	sort.Strings(sa)
	sort.Strings(sb)
	for i := range sa {
		if sa[i] != sb[i] {
			return false
		}
	}
	return true
}

// writeFileAtomic writes data to a temp file in path's directory and
// renames it into place, matching the write-then-rename durability
// pattern used by the root key/cert (ca.go's writePEM) and by package
// gate's atomicWriteJSON.
func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
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
