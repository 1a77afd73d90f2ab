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

// Package filesystem implements the filesystem mailbox store (C3), rooted
// at a pre-existing directory. One file per message, named by UID;
// grounded in the teacher's internal/storage/blob/fs.FSStore (Open/Create
// over a root directory) generalized from an opaque blob-key store to a
// per-mailbox directory layout keyed by normalized address.
package filesystem

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/mailstack/mailstack/internal/address"
	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/store"
)

// Store is a filesystem-backed store.Store rooted at Root, which must
// already exist. For mailbox u@d, messages live under
// Root/<normalized-domain>/<normalized-user> (or Root/<normalized-user>
// when there is no domain), one "<uid>.eml" file per message.
type Store struct {
	Auth auth.Provider
	Root string

	seq uint32 // per-process append counter, see nextUID
}

// New returns a Store rooted at root, which must already exist.
func New(provider auth.Provider, root string) *Store {
	return &Store{Auth: provider, Root: root}
}

// mailboxDir returns the directory a mailbox's messages are stored under,
// without creating it.
func (s *Store) mailboxDir(mailbox string) string {
	user, domain := address.Normalize(mailbox)
	if domain == "" {
		return filepath.Join(s.Root, user)
	}
	return filepath.Join(s.Root, domain, user)
}

// nextUID generates "<millisecond-unix-timestamp><3-digit-sequence>": the
// sequence counter disambiguates two appends landing in the same
// millisecond within this process.
func (s *Store) nextUID() string {
	ts := time.Now().UnixMilli()
	n := atomic.AddUint32(&s.seq, 1) % 1000
	return fmt.Sprintf("%d%03d", ts, n)
}

// Append implements store.Appender.
func (s *Store) Append(mailbox string, envelope []byte) error {
	dir := s.mailboxDir(mailbox)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store/filesystem: mkdir %s: %w", dir, err)
	}

	uid := s.nextUID()
	path := filepath.Join(dir, uid+".eml")
	if err := os.WriteFile(path, envelope, 0o644); err != nil {
		return fmt.Errorf("store/filesystem: write %s: %w", path, err)
	}
	return nil
}

// ResolveMailboxes implements store.Store.
func (s *Store) ResolveMailboxes(recipients []string) []string {
	return s.Auth.ExistingUsers(recipients)
}

// Store implements store.Store.
func (s *Store) Store(from string, to []string, body []byte) []string {
	return store.StoreToRecipients(s.Auth, s, from, to, body)
}

// stems lists the ".eml" filename stems of mailbox's directory, parsed to
// integers for sort ordering; a stem that fails to parse sorts as 0, per
// the filesystem store's enumeration rule.
func (s *Store) stems(mailbox string) []struct {
	stem string
	n    int64
} {
	entries, err := os.ReadDir(s.mailboxDir(mailbox))
	if err != nil {
		return nil
	}

	out := make([]struct {
		stem string
		n    int64
	}, 0, len(entries))
	for _, e := range entries {
		name := e.Name()
		if !strings.HasSuffix(name, ".eml") {
			continue
		}
		stem := strings.TrimSuffix(name, ".eml")
		n, err := strconv.ParseInt(stem, 10, 64)
		if err != nil {
			n = 0
		}
		out = append(out, struct {
			stem string
			n    int64
		}{stem, n})
	}

	sort.Slice(out, func(i, j int) bool { return out[i].n < out[j].n })
	return out
}

// ListMessagesUIDs implements store.Store.
func (s *Store) ListMessagesUIDs(mailbox string) []string {
	entries := s.stems(mailbox)
	uids := make([]string, len(entries))
	for i, e := range entries {
		uids[i] = e.stem
	}
	return uids
}

// CountMessagesUIDs implements store.Store.
func (s *Store) CountMessagesUIDs(mailbox string) int {
	return len(s.stems(mailbox))
}

// GetMessage implements store.Store. uid is used verbatim as the filename
// stem.
func (s *Store) GetMessage(mailbox, uid string) ([]byte, bool) {
	path := filepath.Join(s.mailboxDir(mailbox), uid+".eml")
	body, err := os.ReadFile(path)
	if err != nil {
		return nil, false
	}
	return body, true
}

var _ store.Store = (*Store)(nil)
