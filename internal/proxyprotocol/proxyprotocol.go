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

// Package proxyprotocol wraps a net.Listener so accepted connections are
// first stripped of a PROXY protocol v1/v2 preamble (emitted by a TCP load
// balancer sitting in front of a listener), grounded in the teacher's
// internal/proxy_protocol/proxy_protocol.go, using the same
// github.com/c0va23/go-proxyprotocol library.
package proxyprotocol

import (
	"net"

	"github.com/c0va23/go-proxyprotocol"

	"github.com/mailstack/mailstack/internal/log"
)

// Config selects which upstream addresses are trusted to prepend a PROXY
// header; an empty Trust list trusts every upstream (suitable when the
// listener is itself bound to a private network reachable only from the
// load balancer).
type Config struct {
	Trust []net.IPNet
	Log   log.Logger
}

func (c Config) trusted(addr net.Addr) bool {
	tcpAddr, ok := addr.(*net.TCPAddr)
	if !ok {
		// Unix sockets have no spoofable peer address.
		return true
	}
	if len(c.Trust) == 0 {
		return true
	}
	for _, n := range c.Trust {
		if n.Contains(tcpAddr.IP) {
			return true
		}
	}
	return false
}

// Wrap returns a net.Listener whose Accept results have had any PROXY
// protocol preamble consumed and Addr() replaced with the original client
// address, for every connection from a trusted upstream.
func Wrap(inner net.Listener, cfg Config) net.Listener {
	return proxyprotocol.NewDefaultListener(inner).
		WithLogger(proxyprotocol.LoggerFunc(func(format string, v ...interface{}) {
			cfg.Log.Debugf("proxyprotocol: "+format, v...)
		})).
		WithSourceChecker(func(upstream net.Addr) (bool, error) {
			ok := cfg.trusted(upstream)
			if !ok {
				cfg.Log.Printf("proxyprotocol: connection from untrusted source %s", upstream)
			}
			return ok, nil
		})
}
