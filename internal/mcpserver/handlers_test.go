package mcpserver

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- Test helpers ---

func newTestSetup(handler http.Handler) (*Handlers, func()) {
	ts := httptest.NewServer(handler)
	cfg := Config{
		APIURL:   ts.URL,
		APIKey:   "sk_test_key",
		TenantID: "ten_abc123",
	}
	client := NewClient(cfg)
	h := NewHandlers(client)
	return h, ts.Close
}

func makeRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	if args == nil {
		args = map[string]any{}
	}
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, result *mcp.CallToolResult) string {
	t.Helper()
	require.NotEmpty(t, result.Content, "expected at least one content block")
	tc, ok := result.Content[0].(mcp.TextContent)
	require.True(t, ok, "expected TextContent, got %T", result.Content[0])
	return tc.Text
}

// ============================================================
// Client tests
// ============================================================

func TestClient_DoRequest_AuthHeader(t *testing.T) {
	var gotAuth, gotPath string
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotPath = r.URL.Path
		_, _ = w.Write([]byte(`{}`))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "sk_secret123", TenantID: "ten_1"})
	_, err := client.GetEntitlement(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Bearer sk_secret123", gotAuth)
	assert.Equal(t, "/v1/tenants/ten_1/entitlement", gotPath)
}

func TestClient_DoRequest_HTTPError_WithAPIMessage(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":   "forbidden",
			"message": "Invalid API key",
		})
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "bad", TenantID: "ten_1"})
	_, err := client.GetEntitlement(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "403")
	assert.Contains(t, err.Error(), "Invalid API key")
}

func TestClient_DoRequest_HTTPError_NonJSON(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte("upstream timeout"))
	}))
	defer ts.Close()

	client := NewClient(Config{APIURL: ts.URL, APIKey: "k", TenantID: "ten_1"})
	_, err := client.ListDevices(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "502")
	assert.Contains(t, err.Error(), "upstream timeout")
}

func TestClient_DoRequest_ConnectionRefused(t *testing.T) {
	client := NewClient(Config{APIURL: "http://127.0.0.1:1", APIKey: "k", TenantID: "ten_1"})
	_, err := client.GetEntitlement(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request failed")
}

// ============================================================
// Handler tests
// ============================================================

func TestHandleCheckEntitlement_Allowed(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/ten_abc123/entitlement/check", r.URL.Path)
		assert.Equal(t, "create_consult", r.URL.Query().Get("action"))
		_ = json.NewEncoder(w).Encode(map[string]any{"allowed": true})
	}))
	defer done()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(map[string]any{
		"action": "create_consult",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	assert.Contains(t, resultText(t, result), "Allowed")
}

func TestHandleCheckEntitlement_Denied(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"allowed": false,
			"reason":  "payment_blocked",
		})
	}))
	defer done()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(map[string]any{
		"action": "upload_diagnostics",
	}))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Denied")
	assert.Contains(t, text, "payment_blocked")
	assert.Contains(t, text, "payment method")
}

func TestHandleCheckEntitlement_MissingAction(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		t.Fatal("server should not be called")
	}))
	defer done()

	result, err := h.HandleCheckEntitlement(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "action is required")
}

func TestHandleGetUsage(t *testing.T) {
	reset := time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC)
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entitlement": map[string]any{
				"tenantId":     "ten_abc123",
				"state":        "active",
				"tier":         "professional",
				"consultsUsed": 42,
				"consultsCap":  150,
				"nextResetAt":  reset,
			},
		})
	}))
	defer done()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "professional (active)")
	assert.Contains(t, text, "42 of 150")
	assert.Contains(t, text, "2024-04-15")
}

func TestHandleGetUsage_Unlimited(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"entitlement": map[string]any{
				"tier":         "enterprise",
				"state":        "active",
				"unlimited":    true,
				"consultsUsed": 900,
				"nextResetAt":  time.Now().UTC(),
			},
		})
	}))
	defer done()

	result, err := h.HandleGetUsage(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "900 (unlimited)")
}

func TestHandleReserveConsult_Admitted(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/v1/tenants/ten_abc123/consults/reserve", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"admitted":    true,
			"used":        5,
			"cap":         30,
			"remaining":   25,
			"nextResetAt": time.Date(2024, 4, 15, 0, 0, 0, 0, time.UTC),
		})
	}))
	defer done()

	result, err := h.HandleReserveConsult(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "Consult reserved")
	assert.Contains(t, text, "5 of 30")
	assert.Contains(t, text, "25 remaining")
}

func TestHandleReserveConsult_CapReached(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error": "cap_reached",
			"used":  30,
			"cap":   30,
		})
	}))
	defer done()

	result, err := h.HandleReserveConsult(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.True(t, result.IsError)
	assert.Contains(t, resultText(t, result), "cap_reached")
}

func TestHandleListDevices(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/tenants/ten_abc123/devices", r.URL.Path)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"devices": []map[string]any{
				{
					"id":           "dev_1",
					"fingerprint":  "fp-workstation-a",
					"lastActiveAt": time.Date(2024, 3, 20, 9, 0, 0, 0, time.UTC),
					"revoked":      false,
				},
				{
					"id":           "dev_2",
					"fingerprint":  "fp-tablet-b",
					"lastActiveAt": time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC),
					"revoked":      true,
				},
			},
			"count":  2,
			"active": 1,
		})
	}))
	defer done()

	result, err := h.HandleListDevices(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	require.False(t, result.IsError)
	text := resultText(t, result)
	assert.Contains(t, text, "2 device(s), 1 active")
	assert.Contains(t, text, "dev_1 (active)")
	assert.Contains(t, text, "dev_2 (revoked)")
}

func TestHandleListDevices_Empty(t *testing.T) {
	h, done := newTestSetup(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"devices": []any{}, "count": 0, "active": 0})
	}))
	defer done()

	result, err := h.HandleListDevices(context.Background(), makeRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, result), "No devices")
}
