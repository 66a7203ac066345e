package voiceagent

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatCartAddConfirmation(t *testing.T) {
	out := ToolOutput{
		OK: true,
		Data: map[string]interface{}{
			"added":    map[string]interface{}{"name": "Latte", "qty": float64(2)},
			"subtotal": 8.5,
		},
	}

	text := FormatToolOutput("addToCart", out)
	assert.Contains(t, text, "Added")
	assert.Contains(t, text, "2")
	assert.Contains(t, text, "Latte")
	assert.Contains(t, text, "$8.50")
}

func TestFormatEmptyInventoryIsExplicit(t *testing.T) {
	out := ToolOutput{OK: true, Data: []interface{}{}}
	text := FormatToolOutput("getInventory", out)
	assert.Contains(t, text, "No items found")
}

func TestFormatInventoryListIsBounded(t *testing.T) {
	items := make([]interface{}, 12)
	for i := range items {
		items[i] = map[string]interface{}{"name": "Item", "price": 1.0}
	}
	text := FormatToolOutput("getInventory", ToolOutput{OK: true, Data: items})
	assert.Contains(t, text, "Found 12 items")
	assert.Contains(t, text, "and 4 more")
}

func TestFormatFailureIsNarrated(t *testing.T) {
	text := FormatToolOutput("getInventory", ToolOutput{OK: false, Error: "relay returned 503"})
	assert.Contains(t, text, "failed")
	assert.Contains(t, text, "relay returned 503")
}

func TestContinuationInstructionsMatchOutcome(t *testing.T) {
	success := continuationInstructions("addToCart", ToolOutput{OK: true})
	assert.Contains(t, success, "succeeded")

	failure := continuationInstructions("addToCart", ToolOutput{OK: false, Error: "boom"})
	assert.Contains(t, failure, "apologize")
}

func TestExecuteRelaysWithIdentityHeaders(t *testing.T) {
	var gotMerchant, gotShop string
	var gotBody relayRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotMerchant = r.Header.Get("X-Merchant-ID")
		gotShop = r.Header.Get("X-Shop-ID")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotBody))
		json.NewEncoder(w).Encode(ToolOutput{OK: true, Data: map[string]interface{}{"done": true}})
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.ToolRelayEndpoint = server.URL
	executor := NewToolExecutor(cfg, newTestLogger(), AgentIdentity{
		Name: "Test", Description: "shop", MerchantID: "m-1", ShopID: "s-1",
	})

	out := executor.Execute(context.Background(), ToolCall{
		CallID: "call-1",
		Name:   "getInventory",
		Args:   map[string]interface{}{"category": "drinks"},
	})

	assert.True(t, out.OK)
	assert.Equal(t, "m-1", gotMerchant)
	assert.Equal(t, "s-1", gotShop)
	assert.Equal(t, "getInventory", gotBody.Name)
	assert.Equal(t, "drinks", gotBody.Args["category"])
}

func TestExecuteNeverReturnsError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	cfg := newTestConfig()
	cfg.ToolRelayEndpoint = server.URL
	executor := NewToolExecutor(cfg, newTestLogger(), AgentIdentity{Name: "Test", Description: "shop"})

	out := executor.Execute(context.Background(), ToolCall{CallID: "call-1", Name: "getInventory"})
	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Error)

	// Unreachable relay: still a structured failure.
	cfg.ToolRelayEndpoint = "http://127.0.0.1:1"
	executor = NewToolExecutor(cfg, newTestLogger(), AgentIdentity{Name: "Test", Description: "shop"})
	out = executor.Execute(context.Background(), ToolCall{CallID: "call-2", Name: "getInventory"})
	assert.False(t, out.OK)
	assert.NotEmpty(t, out.Error)
}

func TestLocalToolRouting(t *testing.T) {
	assert.True(t, IsLocalTool("addToCart"))
	assert.True(t, IsLocalTool("removeFromCart"))
	assert.True(t, IsLocalTool("clearCart"))
	assert.False(t, IsLocalTool("getInventory"))
}
