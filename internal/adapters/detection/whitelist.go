package detection

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"

	"github.com/xoelrdgz/sshwarden/internal/domain"
)

// Whitelist holds identities that are never counted and never blocked.
// Entries are single addresses or CIDR prefixes.
//
// Not safe for concurrent mutation; the monitor's decision loop owns it.
type Whitelist struct {
	addrs    map[netip.Addr]struct{}
	prefixes map[netip.Prefix]struct{}
}

func NewWhitelist(entries []string) (*Whitelist, error) {
	w := &Whitelist{
		addrs:    make(map[netip.Addr]struct{}),
		prefixes: make(map[netip.Prefix]struct{}),
	}
	for _, e := range entries {
		if _, err := w.Add(e); err != nil {
			return nil, err
		}
	}
	return w, nil
}

// ParseWhitelistEntry returns the canonical form of an address or prefix.
// A prefix covering a single host collapses to the address.
func ParseWhitelistEntry(entry string) (string, error) {
	entry = strings.TrimSpace(entry)
	if addr, prefix, isPrefix, err := parseEntry(entry); err != nil {
		return "", err
	} else if isPrefix {
		return prefix.String(), nil
	} else {
		return addr.String(), nil
	}
}

func parseEntry(entry string) (netip.Addr, netip.Prefix, bool, error) {
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w: prefix %q: %v", domain.ErrInvalidWhitelistEntry, entry, err)
		}
		// Identities are unmapped before lookup, so a mapped prefix must
		// stay inside ::ffff:0:0/96 to mean anything.
		if p.Addr().Is4In6() {
			if p.Bits() < 96 {
				return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w: prefix %q: mapped prefix wider than /96", domain.ErrInvalidWhitelistEntry, entry)
			}
			p = netip.PrefixFrom(p.Addr().Unmap(), p.Bits()-96)
		}
		p = p.Masked()
		if p.IsSingleIP() {
			return p.Addr(), netip.Prefix{}, false, nil
		}
		return netip.Addr{}, p, true, nil
	}
	a, err := netip.ParseAddr(entry)
	if err != nil {
		return netip.Addr{}, netip.Prefix{}, false, fmt.Errorf("%w: address %q: %v", domain.ErrInvalidWhitelistEntry, entry, err)
	}
	return a.Unmap().WithZone(""), netip.Prefix{}, false, nil
}

// Add inserts an entry and returns its canonical form.
func (w *Whitelist) Add(entry string) (string, error) {
	addr, prefix, isPrefix, err := parseEntry(strings.TrimSpace(entry))
	if err != nil {
		return "", err
	}
	if isPrefix {
		w.prefixes[prefix] = struct{}{}
		return prefix.String(), nil
	}
	w.addrs[addr] = struct{}{}
	return addr.String(), nil
}

// Remove deletes an entry. It reports whether the entry was present.
func (w *Whitelist) Remove(entry string) (bool, error) {
	addr, prefix, isPrefix, err := parseEntry(strings.TrimSpace(entry))
	if err != nil {
		return false, err
	}
	if isPrefix {
		_, ok := w.prefixes[prefix]
		delete(w.prefixes, prefix)
		return ok, nil
	}
	_, ok := w.addrs[addr]
	delete(w.addrs, addr)
	return ok, nil
}

// Contains reports whether identity is covered by any entry. Identities that
// are not addresses are never whitelisted.
func (w *Whitelist) Contains(identity string) bool {
	addr, err := netip.ParseAddr(identity)
	if err != nil {
		return false
	}
	addr = addr.Unmap().WithZone("")
	if _, ok := w.addrs[addr]; ok {
		return true
	}
	for p := range w.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Entries returns all entries in sorted canonical form.
func (w *Whitelist) Entries() []string {
	out := make([]string, 0, len(w.addrs)+len(w.prefixes))
	for a := range w.addrs {
		out = append(out, a.String())
	}
	for p := range w.prefixes {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

func (w *Whitelist) Len() int {
	return len(w.addrs) + len(w.prefixes)
}
