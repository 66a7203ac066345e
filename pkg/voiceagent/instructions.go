package voiceagent

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// AgentIdentity is the caller-supplied grounding context for a session.
// Name and Description must be non-empty before a session may start.
type AgentIdentity struct {
	Name        string
	Description string
	MerchantID  string
	ShopID      string
	SessionSeed string
}

// InstructionsProvider lets callers replace the default instruction
// composition entirely.
type InstructionsProvider func(identity AgentIdentity, tools []ToolDef, locale string, now time.Time) string

// Local-only tool names are dispatched to the UI over the event bus and
// never sent to the backend relay.
var localToolNames = map[string]bool{
	"addToCart":      true,
	"removeFromCart": true,
	"clearCart":      true,
}

// IsLocalTool reports whether a tool is handled UI-side.
func IsLocalTool(name string) bool {
	return localToolNames[name]
}

// LocalToolDefs declares the UI-only cart tools merged into the
// server-declared catalog at bootstrap.
func LocalToolDefs() []ToolDef {
	objSchema := func(props map[string]interface{}, required []string) map[string]interface{} {
		schema := map[string]interface{}{
			"type":       "object",
			"properties": props,
		}
		if len(required) > 0 {
			schema["required"] = required
		}
		return schema
	}

	return []ToolDef{
		{
			Name:        "addToCart",
			Description: "Add an item to the shopper's cart by name, with an optional quantity.",
			Parameters: objSchema(map[string]interface{}{
				"name":     map[string]interface{}{"type": "string", "description": "Item name"},
				"quantity": map[string]interface{}{"type": "integer", "description": "How many to add", "default": 1},
			}, []string{"name"}),
		},
		{
			Name:        "removeFromCart",
			Description: "Remove an item from the shopper's cart by name.",
			Parameters: objSchema(map[string]interface{}{
				"name": map[string]interface{}{"type": "string", "description": "Item name"},
			}, []string{"name"}),
		},
		{
			Name:        "clearCart",
			Description: "Empty the shopper's cart.",
			Parameters:  objSchema(map[string]interface{}{}, nil),
		},
	}
}

// FetchToolCatalog retrieves the server-declared tool catalog. An
// unconfigured or failing catalog endpoint yields an empty catalog, not
// an error: bootstrap proceeds with local tools only.
func FetchToolCatalog(ctx context.Context, cfg *Config, log *AgentLogger) []ToolDef {
	if cfg.ToolCatalogEndpoint == "" {
		return nil
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, cfg.ToolCatalogEndpoint, nil)
	if err != nil {
		return nil
	}
	for k, v := range cfg.Headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: cfg.HTTPTimeout}
	resp, err := client.Do(req)
	if err != nil {
		log.WithError(err).Warn("Tool catalog fetch failed, continuing with local tools")
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		log.Warnf("Tool catalog fetch returned %s, continuing with local tools", resp.Status)
		return nil
	}

	var catalog struct {
		Tools []ToolDef `json:"tools"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		log.WithError(err).Warn("Tool catalog parse failed, continuing with local tools")
		return nil
	}
	return catalog.Tools
}

// MergeTools combines the server catalog with local declarations; local
// definitions win on name collisions.
func MergeTools(catalog, local []ToolDef) []ToolDef {
	merged := make([]ToolDef, 0, len(catalog)+len(local))
	seen := make(map[string]bool, len(local))
	for _, t := range local {
		merged = append(merged, t)
		seen[t.Name] = true
	}
	for _, t := range catalog {
		if !seen[t.Name] {
			merged = append(merged, t)
		}
	}
	return merged
}

// ComposeInstructions builds the default system instructions from the
// agent identity, tool catalog, locale, and time of day.
func ComposeInstructions(identity AgentIdentity, tools []ToolDef, locale string, now time.Time) string {
	var b strings.Builder

	fmt.Fprintf(&b, "You are %s, a realtime voice shopping assistant.\n", identity.Name)
	fmt.Fprintf(&b, "About this shop: %s\n", identity.Description)

	if len(tools) > 0 {
		b.WriteString("You can use the following tools:\n")
		for _, t := range tools {
			fmt.Fprintf(&b, "- %s: %s\n", t.Name, t.Description)
		}
	}

	if identity.SessionSeed != "" {
		fmt.Fprintf(&b, "Session context: %s\n", identity.SessionSeed)
	}

	fmt.Fprintf(&b, "Speak in the %s locale. It is currently %s on %s.\n",
		locale, timeOfDay(now), now.Format("Monday"))
	b.WriteString("Ground every claim about items, prices, and availability strictly in tool results. Never invent items.")

	return b.String()
}

func timeOfDay(now time.Time) string {
	switch h := now.Hour(); {
	case h < 5:
		return "late night"
	case h < 12:
		return "morning"
	case h < 17:
		return "afternoon"
	default:
		return "evening"
	}
}
