package auth

import (
	"context"
	"slices"

	"github.com/go-faster/errors"
)

// ErrKeyNotFound is returned when no active key has the given hash.
var ErrKeyNotFound = errors.New("api key not found")

// ScopeAdmin grants the admin role to the key holder.
const ScopeAdmin = "admin"

// APIKeyInfo holds the identity and permission data for a validated API key.
type APIKeyInfo struct {
	ID      string
	KeyHash string
	Name    string
	UserID  string
	Email   string
	Scopes  []string
}

// Principal derives the caller identity carried by this key.
func (k *APIKeyInfo) Principal() Principal {
	role := RoleCustomer
	if slices.Contains(k.Scopes, ScopeAdmin) {
		role = RoleAdmin
	}
	return Principal{
		UserID: k.UserID,
		Email:  k.Email,
		Role:   role,
	}
}

// Repository provides lookup of API keys by their HMAC hash.
type Repository interface {
	FindByHash(ctx context.Context, hash string) (*APIKeyInfo, error)
}
