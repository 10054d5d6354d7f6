// Package secrets keeps webhook credentials encrypted at rest and resolves
// ${{secrets.KEY}} references in outbound request settings.
package secrets

import (
	"context"
	"regexp"

	"github.com/rendis/crmflow/pkg/schema"
)

// Vault stores and resolves named secrets.
type Vault interface {
	Resolver
	Store(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	List(ctx context.Context) ([]string, error)
}

// Resolver returns the plaintext of a secret.
type Resolver interface {
	Resolve(ctx context.Context, key string) ([]byte, error)
}

// SecretStore is the minimal persistence interface needed by the vault.
// Satisfied by store.Store.
type SecretStore interface {
	StoreSecret(ctx context.Context, key string, value []byte) error
	GetSecret(ctx context.Context, key string) ([]byte, error)
	DeleteSecret(ctx context.Context, key string) error
	ListSecrets(ctx context.Context) ([]string, error)
}

var keyPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// ValidateKey checks that key can be written inside a reference.
func ValidateKey(key string) error {
	if !keyPattern.MatchString(key) {
		return schema.NewErrorf(schema.ErrCodeValidation,
			"secret key %q must start with a letter or underscore and contain only letters, digits and underscores", key)
	}
	return nil
}
