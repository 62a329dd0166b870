package transport_test

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teamcloud/orchestrator/pkg/model"
	"github.com/teamcloud/orchestrator/pkg/transport"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testCommand(t *testing.T) *model.Command {
	t.Helper()
	cmd, err := model.NewCommand(model.ProviderProjectDelete, &model.User{ID: "u-1", Role: "Admin"}, &model.Project{ID: "p-1"})
	require.NoError(t, err)
	return cmd
}

func TestSendSuccess(t *testing.T) {
	var gotAuth, gotCallback string
	var gotMsg model.CommandMessage
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/command", r.URL.Path)
		gotAuth = r.Header.Get(transport.HeaderAuthCode)
		gotCallback = r.Header.Get(transport.HeaderCallback)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotMsg))

		result := model.CreateResult(gotMsg.Command)
		result.Status = model.StatusCompleted
		_ = result.SetResult(&model.ProviderOutput{Properties: map[string]string{"key": "value"}})
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(result)
	}))
	defer srv.Close()

	sender := transport.NewSender(transport.WithLogger(discardLogger()))
	cmd := testCommand(t)
	provider := &model.Provider{ID: "prov-1", URL: srv.URL, AuthCode: "top-secret"}

	result, err := sender.Send(context.Background(), provider,
		&model.CommandMessage{Command: cmd, CallbackURL: "https://orchestrator/callback"})
	require.NoError(t, err)

	assert.Equal(t, "top-secret", gotAuth)
	assert.Equal(t, "https://orchestrator/callback", gotCallback)
	assert.Equal(t, cmd.CommandID, gotMsg.Command.CommandID)
	assert.Equal(t, cmd.CommandID, result.CommandID)
	assert.Equal(t, model.StatusCompleted, result.RuntimeStatus())

	var out model.ProviderOutput
	require.NoError(t, result.UnmarshalResult(&out))
	assert.Equal(t, "value", out.Properties["key"])
}

func TestSendKeepsExplicitPath(t *testing.T) {
	var gotPath string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		json.NewEncoder(w).Encode(&model.CommandResult{CommandID: "x", Status: model.StatusCompleted})
	}))
	defer srv.Close()

	sender := transport.NewSender(transport.WithLogger(discardLogger()))
	provider := &model.Provider{ID: "prov-1", URL: srv.URL + "/custom/endpoint"}
	_, err := sender.Send(context.Background(), provider,
		&model.CommandMessage{Command: testCommand(t)})
	require.NoError(t, err)
	assert.Equal(t, "/custom/endpoint", gotPath)
}

func TestSendTerminalStatusCodes(t *testing.T) {
	for _, code := range []int{http.StatusConflict, http.StatusBadRequest, http.StatusUnauthorized} {
		var calls atomic.Int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(code)
		}))

		sender := transport.NewSender(transport.WithLogger(discardLogger()))
		_, err := sender.Send(context.Background(),
			&model.Provider{ID: "prov-1", URL: srv.URL},
			&model.CommandMessage{Command: testCommand(t)})
		require.Error(t, err, "status %d", code)
		assert.True(t, model.IsTerminal(err), "status %d must be terminal", code)
		assert.EqualValues(t, 1, calls.Load())
		srv.Close()
	}
}

func TestSendServerErrorRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	sender := transport.NewSender(transport.WithLogger(discardLogger()))
	_, err := sender.Send(context.Background(),
		&model.Provider{ID: "prov-1", URL: srv.URL},
		&model.CommandMessage{Command: testCommand(t)})
	require.Error(t, err)
	assert.False(t, model.IsTerminal(err), "5xx must stay retryable")
}

func TestSendUnreachableProviderRetryable(t *testing.T) {
	sender := transport.NewSender(
		transport.WithLogger(discardLogger()),
		transport.WithTimeout(100*time.Millisecond))
	_, err := sender.Send(context.Background(),
		&model.Provider{ID: "prov-1", URL: "http://127.0.0.1:1"},
		&model.CommandMessage{Command: testCommand(t)})
	require.Error(t, err)
	assert.False(t, model.IsTerminal(err))
}

func TestSendInvalidURLTerminal(t *testing.T) {
	sender := transport.NewSender(transport.WithLogger(discardLogger()))
	_, err := sender.Send(context.Background(),
		&model.Provider{ID: "prov-1", URL: "://not-a-url"},
		&model.CommandMessage{Command: testCommand(t)})
	require.Error(t, err)
	assert.True(t, model.IsTerminal(err), "a malformed URL can never succeed")
}

func TestSendUnreadableResultRetryable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("not json"))
	}))
	defer srv.Close()

	sender := transport.NewSender(transport.WithLogger(discardLogger()))
	_, err := sender.Send(context.Background(),
		&model.Provider{ID: "prov-1", URL: srv.URL},
		&model.CommandMessage{Command: testCommand(t)})
	require.Error(t, err)
	assert.False(t, model.IsTerminal(err))
}
