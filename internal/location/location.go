// Package location resolves tenant trusted network ranges from Conditional
// Access named locations.
package location

import (
	"net/netip"
	"sort"
	"strings"

	"go.uber.org/zap"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// TrustedSet is the set of trusted network prefixes of a tenant. The zero value
// and a nil pointer are both valid empty sets.
type TrustedSet struct {
	prefixes  []netip.Prefix
	countries []string
}

// Resolve builds the trusted set from named locations. Only IP locations
// marked trusted contribute ranges; malformed ranges are skipped.
func Resolve(locations []telemetry.NamedLocation, logger *zap.Logger) *TrustedSet {
	if logger == nil {
		logger = zap.NewNop()
	}
	set := &TrustedSet{}
	if len(locations) == 0 {
		logger.Debug("No named locations configured, trusted set is empty")
		return set
	}

	seen := make(map[netip.Prefix]bool)
	countries := make(map[string]bool)
	for _, loc := range locations {
		if !loc.Trusted.IsTrue() {
			continue
		}
		switch loc.Kind {
		case telemetry.LocationKindCountry:
			for _, c := range loc.Countries {
				countries[strings.ToUpper(c)] = true
			}
		case telemetry.LocationKindIP:
			for _, r := range loc.Ranges {
				p, ok := parseRange(r)
				if !ok {
					logger.Warn("Skipping malformed trusted range",
						zap.String("location", loc.Name),
						zap.String("range", r),
					)
					continue
				}
				if !seen[p] {
					seen[p] = true
					set.prefixes = append(set.prefixes, p)
				}
			}
		}
	}

	sort.Slice(set.prefixes, func(i, j int) bool {
		return set.prefixes[i].String() < set.prefixes[j].String()
	})
	for c := range countries {
		set.countries = append(set.countries, c)
	}
	sort.Strings(set.countries)
	return set
}

func parseRange(s string) (netip.Prefix, bool) {
	s = strings.TrimSpace(s)
	if s == "" {
		return netip.Prefix{}, false
	}
	if strings.Contains(s, "/") {
		p, err := netip.ParsePrefix(s)
		if err != nil {
			return netip.Prefix{}, false
		}
		return p.Masked(), true
	}
	addr, err := netip.ParseAddr(s)
	if err != nil {
		return netip.Prefix{}, false
	}
	addr = addr.Unmap()
	return netip.PrefixFrom(addr, addr.BitLen()), true
}

// IsTrusted reports whether ip falls inside a trusted range. An empty set, an
// empty address and an unparsable address are never trusted.
func (s *TrustedSet) IsTrusted(ip string) bool {
	if s == nil || len(s.prefixes) == 0 || ip == "" {
		return false
	}
	addr, err := netip.ParseAddr(strings.TrimSpace(ip))
	if err != nil {
		return false
	}
	addr = addr.Unmap()
	for _, p := range s.prefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Len returns the number of trusted prefixes.
func (s *TrustedSet) Len() int {
	if s == nil {
		return 0
	}
	return len(s.prefixes)
}

// Prefixes returns the trusted prefixes in sorted string form.
func (s *TrustedSet) Prefixes() []string {
	if s == nil {
		return []string{}
	}
	out := make([]string, 0, len(s.prefixes))
	for _, p := range s.prefixes {
		out = append(out, p.String())
	}
	return out
}

// TrustedCountries returns the trusted country codes. They are reported as
// evidence only and never make an IP trusted.
func (s *TrustedSet) TrustedCountries() []string {
	if s == nil {
		return []string{}
	}
	return append([]string{}, s.countries...)
}
