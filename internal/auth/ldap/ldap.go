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

// Package ldap implements an auth.Provider backed by an LDAP directory,
// grounded in the teacher's internal/auth/ldap, minus its config-directive
// plumbing: this Provider is configured directly through exported fields.
package ldap

import (
	"crypto/tls"
	"fmt"
	"net"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/log"
)

// Provider authenticates and looks up users against an LDAP directory via
// search-then-bind: a service connection (bound with Bind) performs the
// search for a user's DN, then a second bind as that DN with the supplied
// password validates the credential.
type Provider struct {
	// URLs are tried in order until one connects, e.g. "ldaps://dc1.example.com".
	URLs []string

	// Bind authenticates the long-lived service connection used for
	// searches. Defaults to an unauthenticated bind when nil.
	Bind func(*ldap.Conn) error

	StartTLS  bool
	TLSConfig tls.Config

	DialTimeout    time.Duration
	RequestTimeout time.Duration

	// BaseDN and FilterTemplate locate a user entry; "{username}" in
	// FilterTemplate is replaced with the address being looked up, e.g.
	// FilterTemplate: "(mail={username})".
	BaseDN         string
	FilterTemplate string

	Log log.Logger

	connLock sync.Mutex
	conn     *ldap.Conn
}

func (p *Provider) bind() func(*ldap.Conn) error {
	if p.Bind != nil {
		return p.Bind
	}
	return func(c *ldap.Conn) error { return c.UnauthenticatedBind("") }
}

func (p *Provider) dial() (*ldap.Conn, error) {
	dialer := &net.Dialer{Timeout: p.DialTimeout}

	var conn *ldap.Conn
	var lastErr error
	for _, u := range p.URLs {
		parsed, err := url.Parse(u)
		if err != nil {
			return nil, fmt.Errorf("auth/ldap: invalid server URL: %w", err)
		}
		tlsCfg := p.TLSConfig.Clone()
		tlsCfg.ServerName = parsed.Hostname()

		conn, lastErr = ldap.DialURL(u, ldap.DialWithDialer(dialer), ldap.DialWithTLSConfig(tlsCfg))
		if lastErr != nil {
			p.Log.Error("cannot contact directory server", lastErr, "url", u)
			continue
		}
		break
	}
	if conn == nil {
		return nil, fmt.Errorf("auth/ldap: all directory servers unreachable: %w", lastErr)
	}

	if p.RequestTimeout != 0 {
		conn.SetTimeout(p.RequestTimeout)
	}

	if p.StartTLS {
		tlsCfg := p.TLSConfig.Clone()
		if err := conn.StartTLS(tlsCfg); err != nil {
			conn.Close()
			return nil, fmt.Errorf("auth/ldap: starttls: %w", err)
		}
	}

	if err := p.bind()(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("auth/ldap: bind: %w", err)
	}

	return conn, nil
}

func (p *Provider) getConn() (*ldap.Conn, error) {
	p.connLock.Lock()
	if p.conn == nil || p.conn.IsClosing() {
		if p.conn != nil {
			p.conn.Close()
		}
		conn, err := p.dial()
		if err != nil {
			p.connLock.Unlock()
			return nil, err
		}
		p.conn = conn
	}
	return p.conn, nil
}

// returnConn releases the connection lock acquired by getConn after
// rebinding the service identity on conn; if that rebind fails the
// connection is closed and dropped so the next getConn dials afresh.
func (p *Provider) returnConn(conn *ldap.Conn) {
	defer p.connLock.Unlock()
	if err := p.bind()(conn); err != nil {
		p.Log.Error("failed to rebind for search", err)
		conn.Close()
		p.conn = nil
		return
	}
	p.conn = conn
}

// buildFilter substitutes "{username}" in the filter template with addr,
// escaped per RFC 4515 so a crafted address cannot inject filter syntax.
func buildFilter(template, addr string) string {
	return strings.ReplaceAll(template, "{username}", ldap.EscapeFilter(addr))
}

func (p *Provider) lookupDN(conn *ldap.Conn, addr string) (string, bool, error) {
	req := ldap.NewSearchRequest(
		p.BaseDN, ldap.ScopeWholeSubtree, ldap.NeverDerefAliases,
		2, 0, false,
		buildFilter(p.FilterTemplate, addr),
		[]string{"dn"}, nil)
	res, err := conn.Search(req)
	if err != nil {
		return "", false, fmt.Errorf("auth/ldap: search: %w", err)
	}
	if len(res.Entries) == 0 {
		return "", false, nil
	}
	if len(res.Entries) > 1 {
		return "", false, fmt.Errorf("auth/ldap: ambiguous search, %d entries returned", len(res.Entries))
	}
	return res.Entries[0].DN, true, nil
}

// HasUser implements auth.Provider.
func (p *Provider) HasUser(addr string) bool {
	conn, err := p.getConn()
	if err != nil {
		p.Log.Error("connection failed", err)
		return false
	}
	defer p.returnConn(conn)

	_, found, err := p.lookupDN(conn, addr)
	if err != nil {
		p.Log.Error("lookup failed", err, "addr", addr)
		return false
	}
	return found
}

// Validate implements auth.Provider via search-then-bind: the service
// connection finds addr's DN, then a scratch connection attempts to bind
// as that DN with secret. The service connection's bind state is never
// touched by a failed or successful user bind.
func (p *Provider) Validate(addr, secret string) bool {
	conn, err := p.getConn()
	if err != nil {
		p.Log.Error("connection failed", err)
		return false
	}

	dn, found, err := p.lookupDN(conn, addr)
	p.returnConn(conn)
	if err != nil {
		p.Log.Error("lookup failed", err, "addr", addr)
		return false
	}
	if !found {
		return false
	}

	userConn, err := p.dial()
	if err != nil {
		p.Log.Error("connection failed", err)
		return false
	}
	defer userConn.Close()

	return userConn.Bind(dn, secret) == nil
}

// ExistingUsers implements auth.Provider by probing HasUser for each
// address; LDAP offers no cheaper batch membership query over an arbitrary
// address list without a directory-specific extension.
func (p *Provider) ExistingUsers(addrs []string) []string {
	return auth.ExistingUsers(p, addrs)
}

var _ auth.Provider = (*Provider)(nil)
