// Package auth guards the MCP endpoint with HTTP basic auth backed by
// bcrypt password hashes.
package auth

import (
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// UserCredentials maps usernames to bcrypt password hashes.
type UserCredentials map[string]string

// dummyHash is compared against when the username is unknown so a miss
// costs the same as a wrong password.
var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("plantsync-dummy"), bcrypt.DefaultCost)

// HashPassword returns a bcrypt hash suitable for MCP_AUTH_USERS.
func HashPassword(password string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}

	return string(hash), nil
}

// IsBcryptHash reports whether s parses as a bcrypt hash.
func IsBcryptHash(s string) bool {
	if !strings.HasPrefix(s, "$2") {
		return false
	}

	_, err := bcrypt.Cost([]byte(s))

	return err == nil
}

// Verify reports whether password matches the stored hash for username.
func (u UserCredentials) Verify(username, password string) bool {
	hash, ok := u[username]
	if !ok {
		_ = bcrypt.CompareHashAndPassword(dummyHash, []byte(password))
		return false
	}

	return bcrypt.CompareHashAndPassword([]byte(hash), []byte(password)) == nil
}
