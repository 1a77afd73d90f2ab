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

// Package memory implements an in-memory auth.Provider. Credentials are
// held hashed in RAM and lost on restart; suitable for self-hosted/testing
// deployments, the same niche the teacher's internal/auth/memauth fills.
package memory

import (
	"sync"

	"github.com/mailstack/mailstack/internal/address"
	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/log"
)

// Provider is a sync.Map-backed auth.Provider, grounded in the teacher's
// memauth.Auth: same concurrent map shape, generalized from "store
// plaintext" to "store a tagged hash" per internal/auth/hash.go.
type Provider struct {
	Log    log.Logger
	Scheme string // defaults to auth.DefaultHash when empty

	credentials sync.Map // normalized address -> tagged hash string
}

// New returns an empty Provider. Use AddUser (or NewWithUsers) to seed it.
func New() *Provider {
	return &Provider{Log: log.Logger{Name: "auth/memory"}}
}

// NewWithUsers builds a Provider pre-populated from a address->plaintext
// secret map, as used by the scenario suite in spec §8 (e.g.
// {"alice@example.com": "pass123"}).
func NewWithUsers(users map[string]string) (*Provider, error) {
	p := New()
	for addr, secret := range users {
		if err := p.AddUser(addr, secret); err != nil {
			return nil, err
		}
	}
	return p, nil
}

func (p *Provider) scheme() string {
	if p.Scheme == "" {
		return auth.DefaultHash
	}
	return p.Scheme
}

// AddUser registers addr with the given plaintext secret, hashing it
// immediately; Validate never compares plaintext.
func (p *Provider) AddUser(addr, secret string) error {
	hashed, err := auth.HashSecret(p.scheme(), secret)
	if err != nil {
		return err
	}
	p.credentials.Store(address.NormalizeKey(addr), hashed)
	return nil
}

// RemoveUser deletes addr from the provider, if present.
func (p *Provider) RemoveUser(addr string) {
	p.credentials.Delete(address.NormalizeKey(addr))
}

// HasUser implements auth.Provider.
func (p *Provider) HasUser(addr string) bool {
	_, ok := p.credentials.Load(address.NormalizeKey(addr))
	return ok
}

// Validate implements auth.Provider.
func (p *Provider) Validate(addr, secret string) bool {
	v, ok := p.credentials.Load(address.NormalizeKey(addr))
	if !ok {
		return false
	}
	return auth.VerifySecret(v.(string), secret)
}

// ExistingUsers implements auth.Provider.
func (p *Provider) ExistingUsers(addrs []string) []string {
	return auth.ExistingUsers(p, addrs)
}

var _ auth.Provider = (*Provider)(nil)
