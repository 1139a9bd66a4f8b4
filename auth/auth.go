// Package auth turns a presented credential into an identity.
package auth

import (
	"context"
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/pockode/chatrelay/directory"
)

var ErrInvalidCredential = errors.New("invalid credential")

// Verifier resolves a credential to the identity it proves.
type Verifier interface {
	Verify(ctx context.Context, credential string) (string, error)
}

// DirectoryVerifier accepts credentials of the form "<userID>:<secret>" and
// checks the secret against the user's bcrypt hash.
type DirectoryVerifier struct {
	dir directory.Directory
}

func NewDirectoryVerifier(dir directory.Directory) *DirectoryVerifier {
	return &DirectoryVerifier{dir: dir}
}

func (v *DirectoryVerifier) Verify(ctx context.Context, credential string) (string, error) {
	id, secret, ok := strings.Cut(credential, ":")
	if !ok || id == "" || secret == "" {
		return "", ErrInvalidCredential
	}

	u, found := v.dir.Get(id)
	if !found || u.TokenHash == "" {
		// keep timing similar for unknown users
		bcrypt.CompareHashAndPassword(dummyHash, []byte(secret))
		return "", ErrInvalidCredential
	}

	if err := bcrypt.CompareHashAndPassword([]byte(u.TokenHash), []byte(secret)); err != nil {
		return "", ErrInvalidCredential
	}
	return u.ID, nil
}

var dummyHash, _ = bcrypt.GenerateFromPassword([]byte("chatrelay"), bcrypt.MinCost)

// HashSecret returns the bcrypt hash stored in the users file.
func HashSecret(secret string) (string, error) {
	if secret == "" {
		return "", errors.New("secret is required")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
