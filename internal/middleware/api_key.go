// Package middleware provides HTTP and gRPC middleware for the flagwatch
// server: request logging, per-caller rate limiting and bearer-token
// authentication against bcrypt-hashed API keys.
package middleware

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

const apiKeyHashCost = bcrypt.DefaultCost

// HashAPIKey returns a salted bcrypt hash for an API key secret.
func HashAPIKey(apiKey string) (string, error) {
	hash, err := bcrypt.GenerateFromPassword([]byte(apiKey), apiKeyHashCost)
	if err != nil {
		return "", fmt.Errorf("hash api key: %w", err)
	}
	return string(hash), nil
}

// APIKeyMatchesHash compares an API key secret against a stored bcrypt hash.
func APIKeyMatchesHash(expectedHash, apiKey string) bool {
	return bcrypt.CompareHashAndPassword([]byte(expectedHash), []byte(apiKey)) == nil
}

// KeySet validates bearer tokens of the form "keyID.secret" against bcrypt
// hashes of the secrets, indexed by key ID.
type KeySet struct {
	hashes map[string]string
}

var _ TokenValidator = (*KeySet)(nil)

// NewKeySet checks that every hash is a bcrypt hash and that no key ID
// contains a dot.
func NewKeySet(hashes map[string]string) (*KeySet, error) {
	for keyID, hash := range hashes {
		if strings.TrimSpace(keyID) == "" || strings.Contains(keyID, ".") {
			return nil, fmt.Errorf("api key id %q must be non-empty and contain no dot", keyID)
		}
		if _, err := bcrypt.Cost([]byte(hash)); err != nil {
			return nil, fmt.Errorf("api key %q: %w", keyID, err)
		}
	}
	return &KeySet{hashes: maps.Clone(hashes)}, nil
}

// Len reports how many keys are configured.
func (k *KeySet) Len() int {
	return len(k.hashes)
}

func (k *KeySet) ValidateToken(_ context.Context, token string) (string, error) {
	keyID, secret, found := strings.Cut(token, ".")
	if !found || strings.TrimSpace(keyID) == "" || secret == "" {
		return "", errors.New("invalid token format")
	}

	hash, ok := k.hashes[keyID]
	if !ok {
		return "", errors.New("unknown api key")
	}
	if !APIKeyMatchesHash(hash, secret) {
		return "", errors.New("invalid token")
	}

	return keyID, nil
}
