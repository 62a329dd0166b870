package callback

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcloud/orchestrator/pkg/workflow"
)

type raiserStub struct {
	instanceID string
	event      string
	payload    json.RawMessage
	err        error
}

func (r *raiserStub) RaiseEvent(_ context.Context, instanceID, event string, payload json.RawMessage) error {
	r.instanceID = instanceID
	r.event = event
	r.payload = payload
	return r.err
}

func newTestServer(raiser EventRaiser) (*Server, *Registry) {
	registry := NewRegistry("http://orchestrator.local", []byte("test-secret"))
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewServer(":0", registry, raiser, logger), registry
}

func TestAcquireURLVerifyRoundTrip(t *testing.T) {
	registry := NewRegistry("http://orchestrator.local", []byte("test-secret"))

	raw, err := registry.AcquireURL("inst-1", Event)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "/api/callback/inst-1/callback", u.Path)
	assert.True(t, registry.Verify("inst-1", Event, u.Query().Get("code")))
}

func TestTokensAreInstanceScoped(t *testing.T) {
	registry := NewRegistry("http://orchestrator.local", []byte("test-secret"))

	raw, err := registry.AcquireURL("inst-1", Event)
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	code := u.Query().Get("code")

	assert.False(t, registry.Verify("inst-2", Event, code),
		"a token minted for one instance must not open another")
	assert.False(t, registry.Verify("inst-1", "other-event", code))
}

func TestTokensSurviveRestart(t *testing.T) {
	// Two registries sharing a secret stand in for the process before and
	// after a restart.
	before := NewRegistry("http://orchestrator.local", []byte("shared"))
	after := NewRegistry("http://orchestrator.local", []byte("shared"))

	raw, err := before.AcquireURL("inst-1", Event)
	require.NoError(t, err)
	u, _ := url.Parse(raw)
	assert.True(t, after.Verify("inst-1", Event, u.Query().Get("code")))
}

func callbackPath(t *testing.T, registry *Registry, instanceID string) string {
	t.Helper()
	raw, err := registry.AcquireURL(instanceID, Event)
	require.NoError(t, err)
	u, err := url.Parse(raw)
	require.NoError(t, err)
	return u.Path + "?" + u.RawQuery
}

func TestHandleCallbackDeliversEvent(t *testing.T) {
	raiser := &raiserStub{}
	server, registry := newTestServer(raiser)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	body := `{"commandId":"inst-1","runtimeStatus":"Completed"}`
	resp, err := http.Post(ts.URL+callbackPath(t, registry, "inst-1"), "application/json", strings.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "inst-1", raiser.instanceID)
	assert.Equal(t, Event, raiser.event)
	assert.JSONEq(t, body, string(raiser.payload))
}

func TestHandleCallbackRejectsBadToken(t *testing.T) {
	raiser := &raiserStub{}
	server, _ := newTestServer(raiser)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/api/callback/inst-1/callback?code=forged", "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Empty(t, raiser.instanceID, "a rejected callback must not reach the engine")
}

func TestHandleCallbackRejectsInvalidBody(t *testing.T) {
	raiser := &raiserStub{}
	server, registry := newTestServer(raiser)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	for _, body := range []string{"", "not json at all"} {
		resp, err := http.Post(ts.URL+callbackPath(t, registry, "inst-1"), "application/json", strings.NewReader(body))
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	}
}

func TestHandleCallbackUnknownInstance(t *testing.T) {
	raiser := &raiserStub{err: workflow.ErrInstanceNotFound}
	server, registry := newTestServer(raiser)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+callbackPath(t, registry, "gone"), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestHandleCallbackDeliveryFailure(t *testing.T) {
	raiser := &raiserStub{err: errors.New("engine unavailable")}
	server, registry := newTestServer(raiser)
	ts := httptest.NewServer(server.Handler())
	defer ts.Close()

	resp, err := http.Post(ts.URL+callbackPath(t, registry, "inst-1"), "application/json", strings.NewReader(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}
