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

// Package address implements mailbox address parsing and the lossy,
// deterministic normalization used to derive on-disk/on-store mailbox
// keys from RFC5321 addresses.
//
// Split follows the shape of the teacher's framework/address package;
// Normalize implements the normalization algorithm of this system's
// data model, built on golang.org/x/text for Unicode-aware diacritic
// stripping rather than the teacher's golang.org/x/text/secure/precis
// (precis normalizes case/profile, it does not strip diacritics).
package address

import (
	"errors"
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// ErrMissingAtSign is returned by Split when addr has no "@" separator.
var ErrMissingAtSign = errors.New("address: missing @ sign")

// Split divides addr into its local-part and domain.
func Split(addr string) (mailbox, domain string, err error) {
	i := strings.LastIndexByte(addr, '@')
	if i < 0 {
		return "", "", ErrMissingAtSign
	}
	return addr[:i], addr[i+1:], nil
}

var nonWord = regexp.MustCompile(`[^0-9A-Za-z_]+`)

var stripDiacritics = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

func stripAccents(s string) string {
	out, _, err := transform.String(stripDiacritics, s)
	if err != nil {
		return s
	}
	return out
}

// Normalize derives the normalized mailbox key for addr, per the rules in
// the data model: diacritics stripped, lowercased, trimmed; dots removed
// from the local-part; anything from "+" onward in the local-part
// discarded; remaining non-word runes in the local-part replaced with "_";
// domain lowercased, non-word runes (other than ".") replaced with "_",
// leading dots trimmed. It returns the normalized local-part and domain
// separately so callers can lay them out as directories/keys as needed.
//
// Normalize is idempotent: Normalize(Normalize(x)) == Normalize(x).
func Normalize(addr string) (user, domain string) {
	mbox, dom, err := Split(addr)
	if err != nil {
		// No "@": treat the whole string as a local-part with no domain.
		mbox, dom = addr, ""
	}

	mbox = strings.TrimSpace(stripAccents(mbox))
	mbox = strings.ToLower(mbox)
	if i := strings.IndexByte(mbox, '+'); i >= 0 {
		mbox = mbox[:i]
	}
	mbox = strings.ReplaceAll(mbox, ".", "")
	mbox = nonWord.ReplaceAllString(mbox, "_")

	dom = strings.TrimSpace(stripAccents(dom))
	dom = strings.ToLower(dom)
	dom = replaceDomainNonWord(dom)
	dom = strings.TrimLeft(dom, ".")

	return mbox, dom
}

// NormalizeKey returns the combined "user" or "user@domain" key used as a
// map key / path stem by mailbox store implementations.
func NormalizeKey(addr string) string {
	user, domain := Normalize(addr)
	if domain == "" {
		return user
	}
	return user + "@" + domain
}

var domainNonWord = regexp.MustCompile(`[^0-9A-Za-z_.]+`)

func replaceDomainNonWord(domain string) string {
	return domainNonWord.ReplaceAllString(domain, "_")
}
