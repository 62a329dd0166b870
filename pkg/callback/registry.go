// Package callback issues correlation URLs providers use to push
// asynchronous replies back into waiting workflow instances, and serves the
// HTTP endpoint those replies arrive on.
package callback

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"net/url"
)

// Event is the event name provider replies are delivered under.
const Event = "callback"

// Registry mints and verifies callback URLs. Tokens are derived from the
// instance id, so a restarted host verifies URLs issued before the restart.
type Registry struct {
	baseURL string
	secret  []byte
}

// NewRegistry creates a registry. baseURL is the externally reachable
// address of the callback server.
func NewRegistry(baseURL string, secret []byte) *Registry {
	return &Registry{baseURL: baseURL, secret: secret}
}

// AcquireURL returns the callback URL for one workflow instance and event.
func (r *Registry) AcquireURL(instanceID, event string) (string, error) {
	base, err := url.Parse(r.baseURL)
	if err != nil {
		return "", fmt.Errorf("invalid callback base url: %w", err)
	}
	base.Path = fmt.Sprintf("/api/callback/%s/%s", url.PathEscape(instanceID), url.PathEscape(event))
	q := base.Query()
	q.Set("code", r.token(instanceID, event))
	base.RawQuery = q.Encode()
	return base.String(), nil
}

// Verify checks the token of an inbound callback.
func (r *Registry) Verify(instanceID, event, token string) bool {
	expected := r.token(instanceID, event)
	return hmac.Equal([]byte(expected), []byte(token))
}

func (r *Registry) token(instanceID, event string) string {
	mac := hmac.New(sha256.New, r.secret)
	mac.Write([]byte(instanceID))
	mac.Write([]byte{'/'})
	mac.Write([]byte(event))
	return hex.EncodeToString(mac.Sum(nil))
}
