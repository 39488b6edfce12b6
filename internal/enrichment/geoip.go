package enrichment

import (
	"fmt"
	"net"

	"github.com/oschwald/geoip2-golang"

	"github.com/lvonguyen/idrisk/internal/telemetry"
)

// GeoIP resolves country and ASN from local MaxMind databases.
type GeoIP struct {
	countryReader *geoip2.Reader
	asnReader     *geoip2.Reader
}

// OpenGeoIP opens the configured .mmdb files. Either path may be empty, in
// which case that half of the lookup is skipped.
func OpenGeoIP(countryDBPath, asnDBPath string) (*GeoIP, error) {
	g := &GeoIP{}
	if countryDBPath != "" {
		r, err := geoip2.Open(countryDBPath)
		if err != nil {
			return nil, fmt.Errorf("opening country database: %w", err)
		}
		g.countryReader = r
	}
	if asnDBPath != "" {
		r, err := geoip2.Open(asnDBPath)
		if err != nil {
			g.Close()
			return nil, fmt.Errorf("opening ASN database: %w", err)
		}
		g.asnReader = r
	}
	return g, nil
}

// Close releases the database readers.
func (g *GeoIP) Close() {
	if g.countryReader != nil {
		g.countryReader.Close()
	}
	if g.asnReader != nil {
		g.asnReader.Close()
	}
}

// Enabled reports whether any database is loaded.
func (g *GeoIP) Enabled() bool {
	return g != nil && (g.countryReader != nil || g.asnReader != nil)
}

// Lookup implements telemetry.GeoResolver.
func (g *GeoIP) Lookup(ipAddress string) (telemetry.GeoInfo, bool) {
	var info telemetry.GeoInfo
	if !g.Enabled() {
		return info, false
	}
	ip := net.ParseIP(ipAddress)
	if ip == nil {
		return info, false
	}

	found := false
	if g.countryReader != nil {
		if rec, err := g.countryReader.Country(ip); err == nil && rec.Country.IsoCode != "" {
			info.CountryCode = rec.Country.IsoCode
			found = true
		}
	}
	if g.asnReader != nil {
		if rec, err := g.asnReader.ASN(ip); err == nil && rec.AutonomousSystemNumber != 0 {
			info.ASN = int(rec.AutonomousSystemNumber)
			info.ASNOrg = rec.AutonomousSystemOrganization
			found = true
		}
	}
	return info, found
}

var _ telemetry.GeoResolver = (*GeoIP)(nil)
