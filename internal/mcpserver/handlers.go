package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Handlers holds the handler functions for each MCP tool.
type Handlers struct {
	client *Client
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(client *Client) *Handlers {
	return &Handlers{client: client}
}

// HandleCheckEntitlement checks a single action against the tenant's entitlement.
func (h *Handlers) HandleCheckEntitlement(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	action := req.GetString("action", "")
	if action == "" {
		return mcp.NewToolResultError("action is required"), nil
	}

	raw, err := h.client.CheckEntitlement(ctx, action)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Entitlement check failed: %v", err)), nil
	}

	text, err := formatCheckResult(action, raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse check result: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleGetUsage returns the tenant's subscription and usage snapshot.
func (h *Handlers) HandleGetUsage(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.GetEntitlement(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get usage: %v", err)), nil
	}

	text, err := formatEntitlement(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse usage: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleReserveConsult reserves one consult slot against the quota.
func (h *Handlers) HandleReserveConsult(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ReserveConsult(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Reservation failed: %v", err)), nil
	}

	text, err := formatReservation(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse reservation: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// HandleListDevices lists the tenant's device sessions.
func (h *Handlers) HandleListDevices(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, err := h.client.ListDevices(ctx)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list devices: %v", err)), nil
	}

	text, err := formatDeviceList(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to parse devices: %v", err)), nil
	}

	return mcp.NewToolResultText(text), nil
}

// --- Formatting helpers ---

type entitlementInfo struct {
	TenantID             string     `json:"tenantId"`
	State                string     `json:"state"`
	Tier                 string     `json:"tier"`
	CanCreateConsult     bool       `json:"canCreateConsult"`
	CanUploadDiagnostics bool       `json:"canUploadDiagnostics"`
	CanAccessAnalytics   bool       `json:"canAccessAnalytics"`
	IsPaymentBlocked     bool       `json:"isPaymentBlocked"`
	NeedsUpgrade         bool       `json:"needsUpgrade"`
	Unlimited            bool       `json:"unlimited"`
	ConsultsUsed         int        `json:"consultsUsed"`
	ConsultsCap          int        `json:"consultsCap"`
	NextResetAt          time.Time  `json:"nextResetAt"`
	TrialEndsAt          *time.Time `json:"trialEndsAt"`
	GraceEndsAt          *time.Time `json:"graceEndsAt"`
}

func formatEntitlement(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Entitlement entitlementInfo `json:"entitlement"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected entitlement response format: %w", err)
	}
	ent := wrapper.Entitlement

	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan: %s (%s)\n", ent.Tier, ent.State)
	if ent.Unlimited {
		fmt.Fprintf(&sb, "Consults this cycle: %d (unlimited)\n", ent.ConsultsUsed)
	} else {
		fmt.Fprintf(&sb, "Consults this cycle: %d of %d\n", ent.ConsultsUsed, ent.ConsultsCap)
	}
	fmt.Fprintf(&sb, "Usage resets: %s\n", ent.NextResetAt.Format(time.RFC3339))

	if ent.TrialEndsAt != nil {
		fmt.Fprintf(&sb, "Trial ends: %s\n", ent.TrialEndsAt.Format(time.RFC3339))
	}
	if ent.GraceEndsAt != nil {
		fmt.Fprintf(&sb, "Payment grace period ends: %s\n", ent.GraceEndsAt.Format(time.RFC3339))
	}
	if ent.IsPaymentBlocked {
		sb.WriteString("Warning: access is blocked pending payment.\n")
	}
	if ent.NeedsUpgrade {
		sb.WriteString("Warning: the trial has ended; an upgrade is required.\n")
	}

	sb.WriteString(fmt.Sprintf("\nCan create consults: %v\n", ent.CanCreateConsult))
	sb.WriteString(fmt.Sprintf("Can upload diagnostics: %v\n", ent.CanUploadDiagnostics))
	sb.WriteString(fmt.Sprintf("Can access analytics: %v", ent.CanAccessAnalytics))
	return sb.String(), nil
}

func formatCheckResult(action string, raw json.RawMessage) (string, error) {
	var res struct {
		Allowed bool   `json:"allowed"`
		Reason  string `json:"reason"`
	}
	if err := json.Unmarshal(raw, &res); err != nil {
		return "", fmt.Errorf("unexpected check response format: %w", err)
	}

	if res.Allowed {
		return fmt.Sprintf("Allowed: the clinic may perform '%s'.", action), nil
	}
	return fmt.Sprintf("Denied: '%s' is not permitted.\nReason: %s\n\n%s",
		action, res.Reason, explainReason(res.Reason)), nil
}

func formatReservation(raw json.RawMessage) (string, error) {
	var r struct {
		Admitted    bool      `json:"admitted"`
		Reason      string    `json:"reason"`
		Used        int       `json:"used"`
		Cap         int       `json:"cap"`
		Unlimited   bool      `json:"unlimited"`
		Remaining   int       `json:"remaining"`
		NextResetAt time.Time `json:"nextResetAt"`
	}
	if err := json.Unmarshal(raw, &r); err != nil {
		return "", fmt.Errorf("unexpected reservation response format: %w", err)
	}

	if !r.Admitted {
		return fmt.Sprintf("Reservation denied.\nReason: %s\n\n%s",
			r.Reason, explainReason(r.Reason)), nil
	}
	if r.Unlimited {
		return "Consult reserved. The plan has no consult limit.", nil
	}
	return fmt.Sprintf("Consult reserved. %d of %d used this cycle (%d remaining).\nUsage resets: %s",
		r.Used, r.Cap, r.Remaining, r.NextResetAt.Format(time.RFC3339)), nil
}

func formatDeviceList(raw json.RawMessage) (string, error) {
	var wrapper struct {
		Devices []struct {
			ID           string    `json:"id"`
			Fingerprint  string    `json:"fingerprint"`
			LastActiveAt time.Time `json:"lastActiveAt"`
			Revoked      bool      `json:"revoked"`
		} `json:"devices"`
		Active int `json:"active"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return "", fmt.Errorf("unexpected devices response format: %w", err)
	}
	if len(wrapper.Devices) == 0 {
		return "No devices are registered to this clinic.", nil
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "%d device(s), %d active in the rolling window:\n\n", len(wrapper.Devices), wrapper.Active)
	for i, d := range wrapper.Devices {
		status := "active"
		if d.Revoked {
			status = "revoked"
		}
		fmt.Fprintf(&sb, "%d. %s (%s)\n", i+1, d.ID, status)
		fmt.Fprintf(&sb, "   Fingerprint: %s\n", d.Fingerprint)
		fmt.Fprintf(&sb, "   Last active: %s\n", d.LastActiveAt.Format(time.RFC3339))
	}
	return strings.TrimRight(sb.String(), "\n"), nil
}

// explainReason turns a denial reason code into guidance the LLM can relay.
func explainReason(reason string) string {
	switch reason {
	case "cap_reached":
		return "The monthly consult quota is exhausted. The clinic can upgrade its plan or wait for the next billing cycle."
	case "payment_blocked":
		return "The subscription has unpaid invoices past the grace period. The clinic must update its payment method."
	case "upgrade_required":
		return "The trial has ended. The clinic must choose a paid plan to continue."
	case "device_limit_reached":
		return "The plan's device limit is reached. Revoke an unused device or upgrade the plan."
	case "tenant_not_found":
		return "No clinic exists with this ID. Check the configured tenant ID."
	default:
		return "The request could not be completed. Try again shortly."
	}
}
