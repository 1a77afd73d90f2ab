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

package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"
	"io"
	"strconv"
	"strings"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/bcrypt"
)

// Hash schemes supported for stored secrets, grounded in the teacher's
// internal/auth/pass_table/hash.go. A stored secret has the form
// "scheme$encoded", e.g. "bcrypt$<bcrypt-hash>".
const (
	HashBcrypt = "bcrypt"
	HashArgon2 = "argon2"

	DefaultHash = HashBcrypt

	argon2Salt = 16
	argon2Size = 32
)

// Argon2Params holds the cost parameters used for new Argon2id hashes.
type Argon2Params struct {
	Time    uint32
	Memory  uint32
	Threads uint8
}

// DefaultArgon2Params are conservative defaults suitable for an
// interactive login path.
var DefaultArgon2Params = Argon2Params{Time: 1, Memory: 64 * 1024, Threads: 4}

// HashSecret computes a tagged hash for secret using scheme.
func HashSecret(scheme, secret string) (string, error) {
	switch scheme {
	case HashBcrypt:
		h, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
		if err != nil {
			return "", err
		}
		return HashBcrypt + "$" + string(h), nil
	case HashArgon2:
		salt := make([]byte, argon2Salt)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return "", fmt.Errorf("auth: failed to generate salt: %w", err)
		}
		p := DefaultArgon2Params
		hash := argon2.IDKey([]byte(secret), salt, p.Time, p.Memory, p.Threads, argon2Size)
		enc := fmt.Sprintf("%d:%d:%d:%s:%s", p.Time, p.Memory, p.Threads,
			base64.RawStdEncoding.EncodeToString(salt), base64.RawStdEncoding.EncodeToString(hash))
		return HashArgon2 + "$" + enc, nil
	default:
		return "", fmt.Errorf("auth: unknown hash scheme %q", scheme)
	}
}

// VerifySecret reports whether secret matches the tagged hash produced by
// HashSecret.
func VerifySecret(tagged, secret string) bool {
	scheme, enc, ok := strings.Cut(tagged, "$")
	if !ok {
		return false
	}
	switch scheme {
	case HashBcrypt:
		return bcrypt.CompareHashAndPassword([]byte(enc), []byte(secret)) == nil
	case HashArgon2:
		return verifyArgon2(enc, secret)
	default:
		return false
	}
}

func verifyArgon2(enc, secret string) bool {
	parts := strings.SplitN(enc, ":", 5)
	if len(parts) != 5 {
		return false
	}
	t, err := strconv.ParseUint(parts[0], 10, 32)
	if err != nil {
		return false
	}
	m, err := strconv.ParseUint(parts[1], 10, 32)
	if err != nil {
		return false
	}
	threads, err := strconv.ParseUint(parts[2], 10, 8)
	if err != nil {
		return false
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[3])
	if err != nil {
		return false
	}
	want, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false
	}
	got := argon2.IDKey([]byte(secret), salt, uint32(t), uint32(m), uint8(threads), uint32(len(want)))
	return subtle.ConstantTimeCompare(got, want) == 1
}
