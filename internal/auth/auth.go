// -------------------------------------------------------------------------------
// Authentication - Editor Bearer Token Verification
//
// Author: Alex Freidah
//
// Verifies the bearer token presented by the page editor when it asks the
// service to drop a cached landing page. Only a bcrypt hash of the token is
// held in configuration, so a leaked config file does not leak the token.
// -------------------------------------------------------------------------------

package auth

import (
	"errors"
	"fmt"
	"net/http"
	"strings"

	"golang.org/x/crypto/bcrypt"
)

// maxTokenLen is the bcrypt input limit. Longer tokens are rejected up front.
const maxTokenLen = 72

var (
	// ErrMissingCredentials is returned when no bearer token is present.
	ErrMissingCredentials = errors.New("missing bearer token")

	// ErrInvalidToken is returned when the token does not match the hash.
	ErrInvalidToken = errors.New("invalid editor token")
)

// -------------------------------------------------------------------------
// EDITOR AUTH
// -------------------------------------------------------------------------

// EditorAuth checks requests against a bcrypt hash of the editor token.
type EditorAuth struct {
	hash []byte
}

// NewEditorAuth returns a verifier for tokenHash. Returns nil when tokenHash is
// empty, which disables the editor hook.
func NewEditorAuth(tokenHash string) (*EditorAuth, error) {
	if tokenHash == "" {
		return nil, nil
	}
	if _, err := bcrypt.Cost([]byte(tokenHash)); err != nil {
		return nil, fmt.Errorf("failed to parse editor token hash: %w", err)
	}
	return &EditorAuth{hash: []byte(tokenHash)}, nil
}

// Authenticate verifies the Authorization header of r.
func (a *EditorAuth) Authenticate(r *http.Request) error {
	token, ok := BearerToken(r.Header.Get("Authorization"))
	if !ok {
		return ErrMissingCredentials
	}
	return a.Verify(token)
}

// Verify compares token against the configured hash.
func (a *EditorAuth) Verify(token string) error {
	if len(token) > maxTokenLen {
		return ErrInvalidToken
	}
	if err := bcrypt.CompareHashAndPassword(a.hash, []byte(token)); err != nil {
		return ErrInvalidToken
	}
	return nil
}

// BearerToken extracts the token from an "Authorization: Bearer <token>"
// header value. The scheme is matched case-insensitively.
func BearerToken(header string) (string, bool) {
	scheme, token, ok := strings.Cut(strings.TrimSpace(header), " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	if token == "" {
		return "", false
	}
	return token, true
}

// HashToken returns the bcrypt hash of token for use as editor.token_hash.
func HashToken(token string) (string, error) {
	if token == "" {
		return "", fmt.Errorf("token must not be empty")
	}
	if len(token) > maxTokenLen {
		return "", fmt.Errorf("token must be at most %d bytes", maxTokenLen)
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(token), bcrypt.DefaultCost)
	if err != nil {
		return "", fmt.Errorf("failed to hash token: %w", err)
	}
	return string(hash), nil
}
