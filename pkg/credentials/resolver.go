// Package credentials resolves provider auth codes before outbound calls.
// Auth codes may be stored as plain shared secrets or as encrypted
// references decrypted through a vendor-agnostic secret keeper.
package credentials

import (
	"context"
	"errors"
)

// ErrUnresolvable is returned when an auth code reference cannot be
// resolved.
var ErrUnresolvable = errors.New("auth code could not be resolved")

// SecretScheme prefixes auth codes that are stored encrypted.
const SecretScheme = "secret://"

// Resolver turns a stored auth code into the value sent on the wire.
type Resolver interface {
	Resolve(ctx context.Context, authCode string) (string, error)
	Close() error
}

// Static passes auth codes through unchanged. Used when providers are
// configured with plain shared secrets.
type Static struct{}

func (Static) Resolve(_ context.Context, authCode string) (string, error) {
	return authCode, nil
}

func (Static) Close() error { return nil }
