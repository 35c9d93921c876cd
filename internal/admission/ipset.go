package admission

import (
	"fmt"
	"net/netip"
	"sort"
	"strings"
)

// ipSet — точные адреса и CIDR-префиксы
type ipSet struct {
	addrs    map[netip.Addr]struct{}
	prefixes map[netip.Prefix]struct{}
}

func newIPSet() *ipSet {
	return &ipSet{addrs: make(map[netip.Addr]struct{}), prefixes: make(map[netip.Prefix]struct{})}
}

// add принимает "10.0.0.1", "10.0.0.0/8" или "::1"
func (s *ipSet) add(entry string) error {
	entry = strings.TrimSpace(entry)
	if strings.Contains(entry, "/") {
		p, err := netip.ParsePrefix(entry)
		if err != nil {
			return fmt.Errorf("bad cidr %q: %w", entry, err)
		}
		s.prefixes[p.Masked()] = struct{}{}
		return nil
	}
	a, err := netip.ParseAddr(entry)
	if err != nil {
		return fmt.Errorf("bad ip %q: %w", entry, err)
	}
	s.addrs[a.Unmap()] = struct{}{}
	return nil
}

func (s *ipSet) remove(entry string) bool {
	entry = strings.TrimSpace(entry)
	if p, err := netip.ParsePrefix(entry); err == nil {
		_, ok := s.prefixes[p.Masked()]
		delete(s.prefixes, p.Masked())
		return ok
	}
	if a, err := netip.ParseAddr(entry); err == nil {
		_, ok := s.addrs[a.Unmap()]
		delete(s.addrs, a.Unmap())
		return ok
	}
	return false
}

func (s *ipSet) contains(addr netip.Addr) bool {
	addr = addr.Unmap()
	if _, ok := s.addrs[addr]; ok {
		return true
	}
	for p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

func (s *ipSet) empty() bool {
	return len(s.addrs) == 0 && len(s.prefixes) == 0
}

func (s *ipSet) list() []string {
	out := make([]string, 0, len(s.addrs)+len(s.prefixes))
	for a := range s.addrs {
		out = append(out, a.String())
	}
	for p := range s.prefixes {
		out = append(out, p.String())
	}
	sort.Strings(out)
	return out
}

// parseClientIP понимает "ip" и "ip:port"
func parseClientIP(s string) (netip.Addr, bool) {
	s = strings.TrimSpace(s)
	if a, err := netip.ParseAddr(s); err == nil {
		return a, true
	}
	if ap, err := netip.ParseAddrPort(s); err == nil {
		return ap.Addr(), true
	}
	return netip.Addr{}, false
}
