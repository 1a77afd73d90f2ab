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

// Package s3store implements the mailbox store (C3) atop an S3-compatible
// object store via github.com/minio/minio-go/v7, grounded directly in the
// teacher's internal/storage/blob/s3.Store (PutObject/GetObject over a
// bucket + key prefix), generalized from an opaque blob key to one object
// per stored message keyed by mailbox and UID.
package s3store

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync/atomic"
	"time"

	"github.com/minio/minio-go/v7"

	"github.com/mailstack/mailstack/internal/auth"
	"github.com/mailstack/mailstack/internal/log"
	"github.com/mailstack/mailstack/internal/store"
)

// Store is an S3-backed store.Store. Each message is one object, keyed
// "<prefix><mailbox>/<uid>.eml"; UID is derived the same way as the
// filesystem store's ("<millisecond-timestamp><3-digit-seq>") since S3
// offers no server-side auto-incrementing key.
type Store struct {
	Auth   auth.Provider
	Client *minio.Client
	Bucket string
	Prefix string
	Log    log.Logger

	seq uint32
}

func (s *Store) objectKey(mailbox, uid string) string {
	return s.Prefix + mailbox + "/" + uid + ".eml"
}

func (s *Store) nextUID() string {
	ts := time.Now().UnixMilli()
	n := atomic.AddUint32(&s.seq, 1) % 1000
	return fmt.Sprintf("%d%03d", ts, n)
}

// Append implements store.Appender.
func (s *Store) Append(mailbox string, envelope []byte) error {
	uid := s.nextUID()
	key := s.objectKey(mailbox, uid)
	_, err := s.Client.PutObject(context.Background(), s.Bucket, key,
		bytes.NewReader(envelope), int64(len(envelope)), minio.PutObjectOptions{})
	if err != nil {
		return fmt.Errorf("store/s3store: put %s: %w", key, err)
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

// listObjects enumerates the "<uid>.eml" object keys under mailbox's
// prefix, parsed to integers for sort ordering; a stem that fails to
// parse sorts as 0, the same rule the filesystem store applies.
func (s *Store) listObjects(mailbox string) []struct {
	stem string
	n    int64
} {
	prefix := s.Prefix + mailbox + "/"
	ctx := context.Background()

	var out []struct {
		stem string
		n    int64
	}
	for obj := range s.Client.ListObjects(ctx, s.Bucket, minio.ListObjectsOptions{Prefix: prefix}) {
		if obj.Err != nil {
			continue
		}
		name := strings.TrimPrefix(obj.Key, prefix)
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
	entries := s.listObjects(mailbox)
	uids := make([]string, len(entries))
	for i, e := range entries {
		uids[i] = e.stem
	}
	return uids
}

// CountMessagesUIDs implements store.Store.
func (s *Store) CountMessagesUIDs(mailbox string) int {
	return len(s.listObjects(mailbox))
}

// GetMessage implements store.Store.
func (s *Store) GetMessage(mailbox, uid string) ([]byte, bool) {
	obj, err := s.Client.GetObject(context.Background(), s.Bucket, s.objectKey(mailbox, uid), minio.GetObjectOptions{})
	if err != nil {
		return nil, false
	}
	defer obj.Close()

	body, err := io.ReadAll(obj)
	if err != nil {
		resp := minio.ToErrorResponse(err)
		if resp.StatusCode == http.StatusNotFound {
			return nil, false
		}
		return nil, false
	}
	return body, true
}

var _ store.Store = (*Store)(nil)
