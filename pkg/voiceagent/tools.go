package voiceagent

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
)

const inventoryListLimit = 8

// ToolExecutor relays tool invocations to the backend. Execution never
// returns an error: every failure becomes a structured ToolOutput so
// the agent can narrate it instead of going silent.
type ToolExecutor struct {
	cfg        *Config
	log        *AgentLogger
	identity   AgentIdentity
	httpClient *http.Client
}

func NewToolExecutor(cfg *Config, log *AgentLogger, identity AgentIdentity) *ToolExecutor {
	return &ToolExecutor{
		cfg:        cfg,
		log:        log.WithComponent("tools"),
		identity:   identity,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
	}
}

type relayRequest struct {
	Name string                 `json:"name"`
	Args map[string]interface{} `json:"args"`
}

// Execute POSTs the call to the relay with ambient identity headers.
func (te *ToolExecutor) Execute(ctx context.Context, call ToolCall) ToolOutput {
	body, err := json.Marshal(relayRequest{Name: call.Name, Args: call.Args})
	if err != nil {
		return ToolOutput{OK: false, Error: err.Error()}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, te.cfg.ToolRelayEndpoint, bytes.NewBuffer(body))
	if err != nil {
		return ToolOutput{OK: false, Error: err.Error()}
	}
	req.Header.Set("Content-Type", "application/json")
	if te.identity.MerchantID != "" {
		req.Header.Set("X-Merchant-ID", te.identity.MerchantID)
	}
	if te.identity.ShopID != "" {
		req.Header.Set("X-Shop-ID", te.identity.ShopID)
	}
	for k, v := range te.cfg.Headers {
		req.Header.Set(k, v)
	}

	resp, err := te.httpClient.Do(req)
	if err != nil {
		te.log.WithError(err).WithField("tool", call.Name).Warn("Tool relay request failed")
		return ToolOutput{OK: false, Error: err.Error()}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		te.log.WithField("tool", call.Name).Warnf("Tool relay returned %s", resp.Status)
		return ToolOutput{OK: false, Error: fmt.Sprintf("relay returned %s", resp.Status)}
	}

	var out ToolOutput
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return ToolOutput{OK: false, Error: err.Error()}
	}
	return out
}

// --- Grounding text ---

// FormatToolOutput renders a tool result as human-readable confirmation
// text the agent must anchor its next utterance to. Formatting is a
// per-tool-name lookup with a generic JSON fallback; an empty result is
// stated explicitly rather than left silent.
func FormatToolOutput(name string, out ToolOutput) string {
	if !out.OK {
		reason := out.Error
		if reason == "" {
			reason = "unknown error"
		}
		return fmt.Sprintf("The %s action failed: %s.", name, reason)
	}

	switch name {
	case "addToCart":
		return formatCartAdd(out.Data)
	case "removeFromCart":
		if item := nestedString(out.Data, "removed", "name"); item != "" {
			return fmt.Sprintf("Removed %s from the cart.", item)
		}
		return "Removed the item from the cart."
	case "clearCart":
		return "Cleared the cart."
	case "getInventory":
		return formatInventory(out.Data)
	}

	return formatGeneric(name, out.Data)
}

func formatCartAdd(data interface{}) string {
	qty := nestedFloat(data, "added", "qty")
	item := nestedString(data, "added", "name")
	subtotal, hasSubtotal := lookupFloat(data, "subtotal")

	if item == "" {
		return "Added the item to the cart."
	}
	text := fmt.Sprintf("Added %d %s to the cart", int(qty), item)
	if qty == 0 {
		text = fmt.Sprintf("Added %s to the cart", item)
	}
	if hasSubtotal {
		text += fmt.Sprintf("; subtotal $%.2f", subtotal)
	}
	return text + "."
}

func formatInventory(data interface{}) string {
	items, ok := data.([]interface{})
	if !ok {
		return formatGeneric("getInventory", data)
	}
	if len(items) == 0 {
		return "No items found in the inventory."
	}

	var parts []string
	for i, raw := range items {
		if i == inventoryListLimit {
			parts = append(parts, fmt.Sprintf("and %d more", len(items)-inventoryListLimit))
			break
		}
		m, ok := raw.(map[string]interface{})
		if !ok {
			parts = append(parts, fmt.Sprintf("%v", raw))
			continue
		}
		name, _ := lookupString(m, "name")
		if price, hasPrice := lookupFloat(m, "price"); hasPrice {
			parts = append(parts, fmt.Sprintf("%s ($%.2f)", name, price))
		} else {
			parts = append(parts, name)
		}
	}
	return fmt.Sprintf("Found %d items: %s.", len(items), strings.Join(parts, ", "))
}

func formatGeneric(name string, data interface{}) string {
	if data == nil {
		return fmt.Sprintf("The %s action completed successfully.", name)
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return fmt.Sprintf("The %s action completed successfully.", name)
	}
	const limit = 400
	text := string(raw)
	if len(text) > limit {
		text = text[:limit] + "..."
	}
	return fmt.Sprintf("The %s action returned: %s", name, text)
}

// continuationInstructions picks the per-tool override for the response
// requested right after a tool-output submission.
func continuationInstructions(name string, out ToolOutput) string {
	if !out.OK {
		return fmt.Sprintf("The %s action just failed. Briefly apologize, explain what went wrong using only the tool result above, and offer an alternative. Do not pretend it succeeded.", name)
	}
	return fmt.Sprintf("The %s action just succeeded. Confirm the outcome to the shopper using only the tool result above. Do not invent items, prices, or quantities.", name)
}

// --- map extraction helpers ---

func lookupString(data interface{}, key string) (string, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return "", false
	}
	s, ok := m[key].(string)
	return s, ok
}

func lookupFloat(data interface{}, key string) (float64, bool) {
	m, ok := data.(map[string]interface{})
	if !ok {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case json.Number:
		f, err := v.Float64()
		return f, err == nil
	}
	return 0, false
}

func nestedString(data interface{}, outer, inner string) string {
	m, ok := data.(map[string]interface{})
	if !ok {
		return ""
	}
	s, _ := lookupString(m[outer], inner)
	return s
}

func nestedFloat(data interface{}, outer, inner string) float64 {
	m, ok := data.(map[string]interface{})
	if !ok {
		return 0
	}
	f, _ := lookupFloat(m[outer], inner)
	return f
}
