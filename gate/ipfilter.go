// Package gate implements the admission-control layer a Frontend
// consults before doing any upstream work: source-address allow/deny
// (spec.md §4.1, C1) and the rate/concurrency gate (§4.2, C2).
package gate

import (
	"encoding/json"
	"fmt"
	"net"
	"net/netip"
	"os"
	"path/filepath"
	"sync"

	"github.com/relaymesh/relayd"
)

// ipListDoc is the on-disk shape of blacklist.json/whitelist.json
// (spec.md §6): {"ips": [...], "blocked_count": {ip: int}}. Grounded on
// original_source/src/proxy/ip_filter.py's _save_blacklist/_save_whitelist.
type ipListDoc struct {
	IPs          []string         `json:"ips"`
	BlockedCount map[string]int64 `json:"blocked_count,omitempty"`
}

// IPFilter is the process-wide allow/deny set plus the blocked_by_ip
// counter. It persists both sets as JSON under <data_dir>, rewritten
// atomically (write-then-rename) on every mutation.
type IPFilter struct {
	mu sync.RWMutex

	dataDir string
	log     relayd.Logger

	allow       map[string]struct{}
	deny        map[string]struct{}
	blockedByIP map[string]int64
}

// NewIPFilter loads (or initializes) the filter's persisted state from
// dataDir.
func NewIPFilter(dataDir string, log relayd.Logger) (*IPFilter, error) {
	f := &IPFilter{
		dataDir:     dataDir,
		log:         log,
		allow:       map[string]struct{}{},
		deny:        map[string]struct{}{},
		blockedByIP: map[string]int64{},
	}
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("ipfilter: creating data dir: %w", err)
	}
	if err := f.load(f.blacklistPath(), &f.deny, true); err != nil {
		return nil, err
	}
	if err := f.load(f.whitelistPath(), &f.allow, false); err != nil {
		return nil, err
	}
	return f, nil
}

func (f *IPFilter) blacklistPath() string { return filepath.Join(f.dataDir, "blacklist.json") }
func (f *IPFilter) whitelistPath() string { return filepath.Join(f.dataDir, "whitelist.json") }

func (f *IPFilter) load(path string, into *map[string]struct{}, withCounts bool) error {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("ipfilter: reading %s: %w", path, err)
	}
	var doc ipListDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		return fmt.Errorf("ipfilter: parsing %s: %w", path, err)
	}
	for _, ip := range doc.IPs {
		norm, err := normalize(ip)
		if err != nil {
			continue
		}
		(*into)[norm] = struct{}{}
	}
	if withCounts {
		for ip, n := range doc.BlockedCount {
			if norm, err := normalize(ip); err == nil {
				f.blockedByIP[norm] = n
			}
		}
	}
	return nil
}

// normalize parses and canonicalises a source address. An invalid entry
// is rejected, never silently ignored, at the configuration boundary
// (AddToDenylist/AddToAllowlist); load() here is lenient about already-
// persisted data so a manually-edited file doesn't wedge startup.
func normalize(addr string) (string, error) {
	if host, _, err := net.SplitHostPort(addr); err == nil {
		addr = host
	}
	ip, err := netip.ParseAddr(addr)
	if err != nil {
		return "", fmt.Errorf("invalid address %q: %w", addr, err)
	}
	return ip.String(), nil
}

func addrHost(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

// Allow implements relayd.IPFilter's admission predicate (spec.md §4.1):
//  1. if allowlist is non-empty, admit iff addr is in it
//  2. else if addr is in denylist, deny and count it
//  3. else admit
func (f *IPFilter) Allow(frontend string, addr net.Addr) bool {
	host := addrHost(addr)
	norm, err := normalize(host)
	if err != nil {
		// Unparseable peer address: fail closed.
		return false
	}

	f.mu.RLock()
	if len(f.allow) > 0 {
		_, ok := f.allow[norm]
		f.mu.RUnlock()
		return ok
	}
	_, denied := f.deny[norm]
	f.mu.RUnlock()

	if denied {
		f.mu.Lock()
		f.blockedByIP[norm]++
		f.mu.Unlock()
		return false
	}
	return true
}

// BlockedByIP returns a copy of the cumulative denylist rejection counter.
func (f *IPFilter) BlockedByIP() map[string]int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	out := make(map[string]int64, len(f.blockedByIP))
	for k, v := range f.blockedByIP {
		out[k] = v
	}
	return out
}

// AddToDenylist validates, adds, and durably persists a denylist entry.
func (f *IPFilter) AddToDenylist(addr string) error {
	norm, err := normalize(addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.deny[norm] = struct{}{}
	f.mu.Unlock()
	return f.persistDeny()
}

// RemoveFromDenylist removes addr and persists the updated set, allowing
// the next connection from that address to succeed (spec.md §8 scenario 4).
func (f *IPFilter) RemoveFromDenylist(addr string) error {
	norm, err := normalize(addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.deny, norm)
	f.mu.Unlock()
	return f.persistDeny()
}

// AddToAllowlist validates, adds, and durably persists an allowlist entry.
func (f *IPFilter) AddToAllowlist(addr string) error {
	norm, err := normalize(addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.allow[norm] = struct{}{}
	f.mu.Unlock()
	return f.persistAllow()
}

// RemoveFromAllowlist removes addr from the allowlist and persists it.
func (f *IPFilter) RemoveFromAllowlist(addr string) error {
	norm, err := normalize(addr)
	if err != nil {
		return err
	}
	f.mu.Lock()
	delete(f.allow, norm)
	f.mu.Unlock()
	return f.persistAllow()
}

// Seed merges a FrontendSpec's blacklist/whitelist entries into the shared
// sets at frontend start, rejecting invalid entries rather than silently
// ignoring them (spec.md §4.1). It implements relayd.IPFilter.
func (f *IPFilter) Seed(spec relayd.FrontendSpec) error {
	for _, addr := range spec.Blacklist {
		if err := f.AddToDenylist(addr); err != nil {
			return fmt.Errorf("frontend %s: %w", spec.Name, err)
		}
	}
	for _, addr := range spec.Whitelist {
		if err := f.AddToAllowlist(addr); err != nil {
			return fmt.Errorf("frontend %s: %w", spec.Name, err)
		}
	}
	return nil
}

func (f *IPFilter) persistDeny() error {
	f.mu.RLock()
	doc := ipListDoc{IPs: keys(f.deny), BlockedCount: copyCounts(f.blockedByIP)}
	f.mu.RUnlock()
	return atomicWriteJSON(f.blacklistPath(), doc)
}

func (f *IPFilter) persistAllow() error {
	f.mu.RLock()
	doc := ipListDoc{IPs: keys(f.allow)}
	f.mu.RUnlock()
	return atomicWriteJSON(f.whitelistPath(), doc)
}

func keys(m map[string]struct{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// atomicWriteJSON writes v to a temp file in the same directory as path
// and renames it into place, matching the durability pattern the teacher
// uses throughout its storage layer (caddytls/filestoragesync.go).
func atomicWriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
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
