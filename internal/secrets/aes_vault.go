package secrets

import (
	"context"
	"crypto/aes"
	"crypto/cipher"
	"crypto/pbkdf2"
	"crypto/rand"
	"crypto/sha256"
	"fmt"

	"github.com/rendis/crmflow/pkg/schema"
)

const (
	keySize           = 32
	defaultIterations = 100_000

	// envelopeV1 prefixes every stored value: version | nonce | sealed.
	envelopeV1 byte = 1
)

// VaultConfig selects the vault key. MasterKey wins over Passphrase; a
// passphrase is stretched with PBKDF2-SHA256 over Salt.
type VaultConfig struct {
	MasterKey  []byte
	Passphrase string
	Salt       []byte
	Iterations int // default 100_000
}

func (c VaultConfig) key() ([]byte, error) {
	if len(c.MasterKey) > 0 {
		if len(c.MasterKey) != keySize {
			return nil, schema.NewErrorf(schema.ErrCodeVault,
				"master key must be %d bytes, got %d", keySize, len(c.MasterKey))
		}
		return c.MasterKey, nil
	}
	if c.Passphrase == "" {
		return nil, schema.NewError(schema.ErrCodeVault, "either master key or passphrase is required")
	}
	if len(c.Salt) == 0 {
		return nil, schema.NewError(schema.ErrCodeVault, "salt is required with passphrase")
	}
	iter := c.Iterations
	if iter <= 0 {
		iter = defaultIterations
	}
	return pbkdf2.Key(sha256.New, c.Passphrase, c.Salt, iter, keySize)
}

// sealer wraps values in a v1 envelope. The secret name is the additional
// data so an envelope copied to another name fails to open.
type sealer struct {
	aead cipher.AEAD
}

func newSealer(key []byte) (*sealer, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("aes cipher: %w", err)
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("gcm: %w", err)
	}
	return &sealer{aead: aead}, nil
}

func (s *sealer) seal(name string, plaintext []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	out := make([]byte, 1+ns, 1+ns+len(plaintext)+s.aead.Overhead())
	out[0] = envelopeV1
	if _, err := rand.Read(out[1:]); err != nil {
		return nil, fmt.Errorf("generate nonce: %w", err)
	}
	return s.aead.Seal(out, out[1:], plaintext, []byte(name)), nil
}

func (s *sealer) open(name string, env []byte) ([]byte, error) {
	ns := s.aead.NonceSize()
	switch {
	case len(env) < 1+ns:
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %s: envelope too short", name)
	case env[0] != envelopeV1:
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %s: unknown envelope version %d", name, env[0])
	}
	plaintext, err := s.aead.Open(nil, env[1:1+ns], env[1+ns:], []byte(name))
	if err != nil {
		return nil, schema.NewErrorf(schema.ErrCodeVault, "secret %s: wrong vault key or corrupted value", name).WithCause(err)
	}
	return plaintext, nil
}

// AESVault is the Vault backed by a SecretStore, sealing values with
// AES-256-GCM before they reach the store.
type AESVault struct {
	store  SecretStore
	sealer *sealer
}

func NewAESVault(s SecretStore, cfg VaultConfig) (*AESVault, error) {
	key, err := cfg.key()
	if err != nil {
		return nil, err
	}
	sl, err := newSealer(key)
	if err != nil {
		return nil, err
	}
	return &AESVault{store: s, sealer: sl}, nil
}

// Store seals value under name, replacing any previous value.
func (v *AESVault) Store(ctx context.Context, name string, value []byte) error {
	if err := ValidateKey(name); err != nil {
		return err
	}
	env, err := v.sealer.seal(name, value)
	if err != nil {
		return err
	}
	return v.store.StoreSecret(ctx, name, env)
}

func (v *AESVault) Resolve(ctx context.Context, name string) ([]byte, error) {
	env, err := v.store.GetSecret(ctx, name)
	if err != nil {
		return nil, err
	}
	return v.sealer.open(name, env)
}

func (v *AESVault) Delete(ctx context.Context, name string) error {
	return v.store.DeleteSecret(ctx, name)
}

// List returns the stored names; values stay sealed.
func (v *AESVault) List(ctx context.Context) ([]string, error) {
	return v.store.ListSecrets(ctx)
}

var _ Vault = (*AESVault)(nil)
