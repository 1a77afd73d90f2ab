/*
Mailstack - Composable SMTP/IMAP mail server.

This program is free software: you can redistribute it and/or modify
it under the terms of the GNU General Public License as published by
the Free Software Foundation, either version 3 of the License, or
(at your option) any later version.

This program is distributed in the hope that it will be useful,
but WITHOUT ANY WARRANTY; without even the implied warranty of
MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
GNU General Public License for more details.

You should have received a copy of the GNU General Public License
along with this program.  If not, see <https://www.gnu.org/licenses/>.
*/

// Package simple implements the fallback MX resolver (C2): a domain with
// no usable MX records is assumed to host its own mail exchanger, the same
// assumption RFC 5321 §5.1 makes for implicit MX.
package simple

import (
	"context"
	"net"

	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/resolver"
)

// Resolver resolves a domain's own A/AAAA records as its sole mail
// exchanger, at preference 0, grounded in the teacher's dns.Resolver
// interface (framework/dns/resolver.go) generalized from a net.Resolver
// passthrough to a resolver.Resolver implementation.
type Resolver struct {
	// Lookup defaults to net.DefaultResolver.LookupIPAddr when nil.
	Lookup func(ctx context.Context, host string) ([]net.IPAddr, error)
	Log    log.Logger
}

func (r *Resolver) lookup() func(context.Context, string) ([]net.IPAddr, error) {
	if r.Lookup != nil {
		return r.Lookup
	}
	return net.DefaultResolver.LookupIPAddr
}

// ResolveMX implements resolver.Resolver.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) []resolver.Record {
	addrs, err := r.lookup()(ctx, domain)
	if err != nil {
		r.Log.Error("address lookup failed", err, "domain", domain)
		return nil
	}

	recs := make([]resolver.Record, 0, len(addrs))
	for _, a := range addrs {
		recs = append(recs, resolver.Record{Preference: 0, Address: a.IP})
	}
	return recs
}

var _ resolver.Resolver = (*Resolver)(nil)
