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

// Package auth defines the membership/credential-validation contract
// bound to C5 (inbound SMTP) and C6 (IMAP), plus the two concrete
// providers in internal/auth/memory and internal/auth/ldap.
package auth

// Provider is the auth provider contract (C1): set membership over
// addresses, plus credential validation. It has no observable side
// effects; unknown addresses yield false rather than an error.
type Provider interface {
	// HasUser reports whether addr is a known local user. Its running time
	// may differ between present and absent addresses.
	HasUser(addr string) bool

	// Validate checks addr's credential against secret.
	Validate(addr, secret string) bool

	// ExistingUsers filters addrs, retaining only known local users,
	// preserving input order.
	ExistingUsers(addrs []string) []string
}

// ExistingUsers is a default, provider-agnostic implementation of
// Provider.ExistingUsers built on top of HasUser, for providers (like
// ldap.Provider) for which filtering address-by-address is cheap enough that
// a dedicated batch query is not worth the complexity.
func ExistingUsers(p Provider, addrs []string) []string {
	out := make([]string, 0, len(addrs))
	for _, a := range addrs {
		if p.HasUser(a) {
			out = append(out, a)
		}
	}
	return out
}
