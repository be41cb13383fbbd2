// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package alerting

import (
	"net"

	"github.com/oschwald/geoip2-golang"

	"grimm.is/flowguard/internal/errors"
)

// GeoIP sets the verdict country from a MaxMind country database.
type GeoIP struct {
	reader *geoip2.Reader
}

// OpenGeoIP opens a GeoLite2/GeoIP2 country or city database.
func OpenGeoIP(path string) (*GeoIP, error) {
	r, err := geoip2.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, errors.KindIO, "open geoip database %s", path)
	}
	return &GeoIP{reader: r}, nil
}

// Country returns the ISO country code of addr, or "" when unknown.
func (g *GeoIP) Country(addr net.IP) string {
	if g == nil || g.reader == nil || addr == nil {
		return ""
	}
	rec, err := g.reader.Country(addr)
	if err != nil {
		return ""
	}
	return rec.Country.IsoCode
}

// Enrich implements Enricher.
func (g *GeoIP) Enrich(event *AlertEvent) {
	if event.Verdict.Country != "" {
		return
	}
	src := event.Verdict.Src.Addr
	if !src.IsValid() {
		return
	}
	event.Verdict.Country = g.Country(net.IP(src.AsSlice()))
}

// Close releases the database.
func (g *GeoIP) Close() error {
	if g == nil || g.reader == nil {
		return nil
	}
	return g.reader.Close()
}
