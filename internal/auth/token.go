// internal/auth/token.go
package auth

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// HashToken generates a salted Argon2id hash of an operator token.
func HashToken(token string) (string, string, error) {
	salt := make([]byte, 16)
	if _, err := rand.Read(salt); err != nil {
		return "", "", err
	}

	hash := argon2.IDKey([]byte(token), salt, 1, 64*1024, 4, 32)

	encodedHash := base64.StdEncoding.EncodeToString(hash)
	encodedSalt := base64.StdEncoding.EncodeToString(salt)

	return encodedHash, encodedSalt, nil
}

// VerifyToken compares a token with a salted hash.
func VerifyToken(token, salt, hash string) (bool, error) {
	decodedSalt, err := base64.StdEncoding.DecodeString(salt)
	if err != nil {
		return false, fmt.Errorf("failed to decode salt: %w", err)
	}

	decodedHash, err := base64.StdEncoding.DecodeString(hash)
	if err != nil {
		return false, fmt.Errorf("failed to decode hash: %w", err)
	}

	comparisonHash := argon2.IDKey([]byte(token), decodedSalt, 1, 64*1024, 4, 32)

	return subtle.ConstantTimeCompare(decodedHash, comparisonHash) == 1, nil
}

// Operator authorizes status overrides against one configured token hash.
// Without a configured hash every override is refused.
type Operator struct {
	hash, salt string
}

func NewOperator(hash, salt string) *Operator {
	return &Operator{hash: hash, salt: salt}
}

func (o *Operator) Authorize(token string) bool {
	if o == nil || o.hash == "" || o.salt == "" || token == "" {
		return false
	}
	ok, err := VerifyToken(token, o.salt, o.hash)
	return err == nil && ok
}
