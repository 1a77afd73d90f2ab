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

// Package metrics exposes process-wide counters via
// github.com/prometheus/client_golang, grounded in the teacher's
// internal/endpoint/smtp/metrics.go (per-subsystem CounterVecs) and
// internal/endpoint/openmetrics (promhttp exposition). Unlike the
// teacher's package-level vars registered on the global default registry
// via init(), each Registry here owns its own prometheus.Registry so tests
// can spin up isolated instances without colliding on double-registration.
package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every counter/gauge this repository exports, all
// registered against one private prometheus.Registry.
type Registry struct {
	reg *prometheus.Registry

	ConnectionsAccepted *prometheus.CounterVec
	MessagesStored      prometheus.Counter
	RelayAttempts       prometheus.Counter
	RelaySuccesses      prometheus.Counter
	AuthFailures        prometheus.Counter
}

// New constructs a Registry with every metric registered and ready to
// observe.
func New() *Registry {
	reg := prometheus.NewRegistry()

	m := &Registry{
		reg: reg,
		ConnectionsAccepted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "mailstack",
			Name:      "connections_accepted_total",
			Help:      "TCP connections accepted, by listener kind (smtp, imap, imaps).",
		}, []string{"listener"}),
		MessagesStored: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailstack",
			Name:      "messages_stored_total",
			Help:      "Messages successfully appended to a local mailbox.",
		}),
		RelayAttempts: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailstack",
			Name:      "relay_attempts_total",
			Help:      "Outbound delivery attempts to an external MX.",
		}),
		RelaySuccesses: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailstack",
			Name:      "relay_successes_total",
			Help:      "Outbound delivery attempts accepted by the remote MTA.",
		}),
		AuthFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "mailstack",
			Name:      "auth_failures_total",
			Help:      "Rejected AUTH/LOGIN attempts across SMTP and IMAP.",
		}),
	}

	reg.MustRegister(m.ConnectionsAccepted, m.MessagesStored, m.RelayAttempts, m.RelaySuccesses, m.AuthFailures)
	return m
}

// Handler returns the HTTP handler serving this Registry's metrics in the
// Prometheus exposition format, for mounting at "/metrics".
func (m *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(m.reg, promhttp.HandlerOpts{})
}

// IncConnectionAccepted records one accepted connection on the named
// listener. A nil Registry is a valid no-op, so collaborators can hold an
// optional *Registry without nil-checking at every call site.
func (m *Registry) IncConnectionAccepted(listener string) {
	if m == nil {
		return
	}
	m.ConnectionsAccepted.WithLabelValues(listener).Inc()
}

// IncMessageStored records one message successfully appended to a local
// mailbox.
func (m *Registry) IncMessageStored() {
	if m == nil {
		return
	}
	m.MessagesStored.Inc()
}

// IncRelayAttempt records one outbound delivery attempt. It is counted
// before MX resolution, so an attempt whose resolution finds no exchanger
// still counts.
func (m *Registry) IncRelayAttempt() {
	if m == nil {
		return
	}
	m.RelayAttempts.Inc()
}

// IncRelaySuccess records one outbound delivery attempt the remote MTA
// accepted.
func (m *Registry) IncRelaySuccess() {
	if m == nil {
		return
	}
	m.RelaySuccesses.Inc()
}

// IncAuthFailure records one rejected AUTH/LOGIN attempt, SMTP or IMAP.
func (m *Registry) IncAuthFailure() {
	if m == nil {
		return
	}
	m.AuthFailures.Inc()
}
