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

// Package sqlstore implements the mailbox store (C3) atop database/sql,
// grounded in the teacher's internal/table.SQL (sql.Open over a
// driver+DSN, prepared statements, database/sql idioms) but driven by
// modernc.org/sqlite, a pure-Go (no cgo) SQLite driver, rather than the
// teacher's lib/pq: a single-file embedded database fits this store's
// append/list/get contract better than a client-server RDBMS.
package sqlstore

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS messages (
	uid      INTEGER PRIMARY KEY AUTOINCREMENT,
	mailbox  TEXT NOT NULL,
	body     BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS messages_mailbox_idx ON messages(mailbox, uid);
`

// Store is a database/sql-backed store.Store. UID is the row's
// auto-incrementing primary key, stringified, which is monotonically
// non-decreasing and stable across restarts as required by the data model.
type Store struct {
	Auth auth.Provider
	db   *sql.DB
}

// Open opens (creating if absent) a SQLite database at path and returns a
// ready Store.
func Open(provider auth.Provider, path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store/sqlstore: open: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("store/sqlstore: schema: %w", err)
	}
	return &Store{Auth: provider, db: db}, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// Append implements store.Appender.
func (s *Store) Append(mailbox string, envelope []byte) error {
	_, err := s.db.Exec(`INSERT INTO messages (mailbox, body) VALUES (?, ?)`, mailbox, envelope)
	if err != nil {
		return fmt.Errorf("store/sqlstore: insert: %w", err)
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

// ListMessagesUIDs implements store.Store.
func (s *Store) ListMessagesUIDs(mailbox string) []string {
	rows, err := s.db.Query(`SELECT uid FROM messages WHERE mailbox = ? ORDER BY uid ASC`, mailbox)
	if err != nil {
		return nil
	}
	defer rows.Close()

	var uids []string
	for rows.Next() {
		var uid int64
		if err := rows.Scan(&uid); err != nil {
			continue
		}
		uids = append(uids, fmt.Sprintf("%d", uid))
	}
	return uids
}

// CountMessagesUIDs implements store.Store.
func (s *Store) CountMessagesUIDs(mailbox string) int {
	var count int
	row := s.db.QueryRow(`SELECT COUNT(*) FROM messages WHERE mailbox = ?`, mailbox)
	if err := row.Scan(&count); err != nil {
		return 0
	}
	return count
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(mailbox, uid string) ([]byte, bool) {
	var body []byte
	row := s.db.QueryRow(`SELECT body FROM messages WHERE mailbox = ? AND uid = ?`, mailbox, uid)
	if err := row.Scan(&body); err != nil {
		return nil, false
	}
	return body, true
}

var _ store.Store = (*Store)(nil)
