package credentials

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"gocloud.dev/secrets"
	// Keeper drivers are opt-in; import the one matching the configured
	// keeper URL in application code, e.g.:
	// _ "gocloud.dev/secrets/awskms"
	// _ "gocloud.dev/secrets/gcpkms"
	// _ "gocloud.dev/secrets/localsecrets"
)

// Keeper resolves "secret://" auth code references by decrypting them with
// a gocloud secrets keeper. Plain auth codes pass through unchanged.
type Keeper struct {
	keeper *secrets.Keeper
}

// NewKeeper opens a secret keeper from its URL (awskms://..., gcpkms://...,
// base64key://... for local development).
func NewKeeper(ctx context.Context, url string) (*Keeper, error) {
	k, err := secrets.OpenKeeper(ctx, url)
	if err != nil {
		return nil, fmt.Errorf("failed to open secret keeper: %w", err)
	}
	return &Keeper{keeper: k}, nil
}

// Encrypt produces a storable auth code reference for a plain value.
func (k *Keeper) Encrypt(ctx context.Context, authCode string) (string, error) {
	ciphertext, err := k.keeper.Encrypt(ctx, []byte(authCode))
	if err != nil {
		return "", fmt.Errorf("encrypt auth code: %w", err)
	}
	return SecretScheme + base64.StdEncoding.EncodeToString(ciphertext), nil
}

func (k *Keeper) Resolve(ctx context.Context, authCode string) (string, error) {
	if !strings.HasPrefix(authCode, SecretScheme) {
		return authCode, nil
	}
	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(authCode, SecretScheme))
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	plaintext, err := k.keeper.Decrypt(ctx, ciphertext)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrUnresolvable, err)
	}
	return string(plaintext), nil
}

func (k *Keeper) Close() error {
	return k.keeper.Close()
}
