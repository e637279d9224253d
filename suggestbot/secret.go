package suggestbot

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"strings"

	"golang.org/x/crypto/argon2"
)

const argon2idPrefix = "$argon2id$"

var (
	argon2Time    uint32 = 1
	argon2Memory  uint32 = 64 * 1024
	argon2Threads uint8  = 4
	argon2KeyLen  uint32 = 32
	argon2SaltLen        = 16
)

var errInvalidSecretHash = errors.New("invalid secret hash")

// HashSecret hashes an API secret with argon2id, in the
// encoded form accepted by [APIConfig.Secret]:
//
//	$argon2id$v=19$m=65536,t=1,p=4$<salt>$<hash>
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is empty")
	}
	salt := make([]byte, argon2SaltLen)
	if _, err := rand.Read(salt); err != nil {
		return "", err
	}
	hash := argon2.IDKey([]byte(secret), salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	return fmt.Sprintf(
		"%sv=%d$m=%d,t=%d,p=%d$%s$%s",
		argon2idPrefix,
		argon2.Version,
		argon2Memory,
		argon2Time,
		argon2Threads,
		base64.RawStdEncoding.EncodeToString(salt),
		base64.RawStdEncoding.EncodeToString(hash),
	), nil
}

func isHashedSecret(s string) bool {
	return strings.HasPrefix(s, argon2idPrefix)
}

// verifySecret reports whether token matches the configured secret,
// which is either plaintext or a [HashSecret] hash.
func verifySecret(configured, token string) (bool, error) {
	if token == "" || configured == "" {
		return false, nil
	}
	if !isHashedSecret(configured) {
		return subtle.ConstantTimeCompare([]byte(configured), []byte(token)) == 1, nil
	}

	// "", "argon2id", "v=19", "m=..,t=..,p=..", salt, hash
	parts := strings.Split(configured, "$")
	if len(parts) != 6 {
		return false, errInvalidSecretHash
	}
	var version int
	if _, err := fmt.Sscanf(parts[2], "v=%d", &version); err != nil || version != argon2.Version {
		return false, fmt.Errorf("%w: unsupported version", errInvalidSecretHash)
	}
	var memory, iterations uint32
	var threads uint8
	if _, err := fmt.Sscanf(parts[3], "m=%d,t=%d,p=%d", &memory, &iterations, &threads); err != nil {
		return false, fmt.Errorf("%w: %w", errInvalidSecretHash, err)
	}
	salt, err := base64.RawStdEncoding.DecodeString(parts[4])
	if err != nil {
		return false, fmt.Errorf("%w: bad salt", errInvalidSecretHash)
	}
	expected, err := base64.RawStdEncoding.DecodeString(parts[5])
	if err != nil || len(expected) == 0 {
		return false, fmt.Errorf("%w: bad hash", errInvalidSecretHash)
	}

	actual := argon2.IDKey([]byte(token), salt, iterations, memory, threads, uint32(len(expected)))
	return subtle.ConstantTimeCompare(expected, actual) == 1, nil
}
