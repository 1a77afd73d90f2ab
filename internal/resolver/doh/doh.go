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

// Package doh implements the DNS-over-HTTPS MX resolver (C2), wire-encoding
// queries with github.com/miekg/dns the way the teacher's framework/dns
// ExtResolver builds and parses dns.Msg values, but carried over HTTPS
// (RFC 8484) instead of a classic UDP/TCP exchange.
package doh

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"

	"github.com/miekg/dns"

	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/resolver"
)

const dnsMessageType = "application/dns-message"

// Resolver resolves MX records via a DNS-over-HTTPS upstream (e.g.
// "https://dns.google/dns-query" or "https://cloudflare-dns.com/dns-query"),
// then resolves each exchanger's A/AAAA records through the same upstream.
type Resolver struct {
	// Upstream is the DoH query URL. Required.
	Upstream string
	Client   *http.Client
	Log      log.Logger
}

func (r *Resolver) client() *http.Client {
	if r.Client != nil {
		return r.Client
	}
	return http.DefaultClient
}

// exchange sends msg to the upstream using DoH's GET form (RFC 8484 §4.1:
// the message base64url-encoded, no padding, in the "dns" query parameter)
// and parses the response as a dns.Msg.
func (r *Resolver) exchange(ctx context.Context, msg *dns.Msg) (*dns.Msg, error) {
	packed, err := msg.Pack()
	if err != nil {
		return nil, fmt.Errorf("doh: pack query: %w", err)
	}

	encoded := base64.RawURLEncoding.EncodeToString(packed)
	url := r.Upstream + "?dns=" + encoded

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("doh: build request: %w", err)
	}
	req.Header.Set("Accept", dnsMessageType)

	resp, err := r.client().Do(req)
	if err != nil {
		return nil, fmt.Errorf("doh: request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("doh: upstream returned status %d", resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("doh: read response: %w", err)
	}

	respMsg := new(dns.Msg)
	if err := respMsg.Unpack(body); err != nil {
		return nil, fmt.Errorf("doh: unpack response: %w", err)
	}
	return respMsg, nil
}

// queryMX issues an MX query for domain and returns the MX records of the
// answer section as parsed by miekg/dns; non-MX answers are dropped here,
// and records with an empty exchanger hostname are skipped by the caller.
func (r *Resolver) queryMX(ctx context.Context, domain string) ([]*dns.MX, error) {
	msg := new(dns.Msg)
	msg.SetQuestion(dns.Fqdn(domain), dns.TypeMX)

	resp, err := r.exchange(ctx, msg)
	if err != nil {
		return nil, err
	}

	out := make([]*dns.MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*dns.MX); ok {
			out = append(out, mx)
		}
	}
	return out, nil
}

func (r *Resolver) resolveHost(ctx context.Context, host string) []string {
	var addrs []string

	for _, qtype := range []uint16{dns.TypeA, dns.TypeAAAA} {
		msg := new(dns.Msg)
		msg.SetQuestion(dns.Fqdn(host), qtype)

		resp, err := r.exchange(ctx, msg)
		if err != nil {
			r.Log.Error("target hostname resolution failed", err, "host", host)
			continue
		}

		for _, rr := range resp.Answer {
			switch rec := rr.(type) {
			case *dns.A:
				addrs = append(addrs, rec.A.String())
			case *dns.AAAA:
				addrs = append(addrs, rec.AAAA.String())
			}
		}
	}

	return addrs
}

// ResolveMX implements resolver.Resolver.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) []resolver.Record {
	mxRecs, err := r.queryMX(ctx, domain)
	if err != nil {
		r.Log.Error("MX lookup failed", err, "domain", domain)
		return nil
	}

	var out []resolver.Record
	for _, mx := range mxRecs {
		host := strings.TrimSuffix(mx.Mx, ".")
		if host == "" {
			continue
		}

		for _, addr := range r.resolveHost(ctx, host) {
			ip := net.ParseIP(addr)
			if ip == nil {
				continue
			}
			out = append(out, resolver.Record{Preference: mx.Preference, Address: ip})
		}
	}

	resolver.SortByPreference(out)
	return out
}

var _ resolver.Resolver = (*Resolver)(nil)
