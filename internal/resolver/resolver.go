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

// Package resolver defines the MX resolution contract (C2) bound to the
// outbound delivery client, and shared MX-ordering logic used by its two
// implementations (internal/resolver/doh, internal/resolver/simple).
package resolver

import (
	"context"
	"math/rand"
	"net"
	"sort"
)

// Record is an MX record resolved to a concrete, routable address.
type Record struct {
	Preference uint16
	Address    net.IP
}

// Resolver resolves a domain's mail exchangers to a preference-ordered
// list of reachable addresses. ResolveMX never returns an error: failure
// to resolve anything is represented as an empty slice, which callers
// treat as "undeliverable".
type Resolver interface {
	ResolveMX(ctx context.Context, domain string) []Record
}

// SortByPreference orders recs ascending by preference in place, breaking
// ties with a uniform random shuffle so repeated deliveries to a domain
// with several same-preference exchangers spread load across them.
func SortByPreference(recs []Record) {
	rand.Shuffle(len(recs), func(i, j int) { recs[i], recs[j] = recs[j], recs[i] })
	sort.SliceStable(recs, func(i, j int) bool { return recs[i].Preference < recs[j].Preference })
}
