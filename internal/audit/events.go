package audit

import (
	"encoding/json"
	"fmt"
)

// PolicyRejection is the audit payload RecordPolicyRejection writes for a
// connection or event insert refused by internal/policy's Gate (spec.md §7
// "administrative tools receive structured error descriptions"). The duplex
// and simplex services record their rejections through Logger.Append with
// their own payload, not through this type.
type PolicyRejection struct {
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id"`
	Mode      string `json:"mode"` // "simplex", "duplex", or "event"
	Reason    string `json:"reason"`
}

// AdminAction is the audit payload RecordAdminAction writes for a mutation
// made through the admin REST API (account/device create or update, policy
// limit change, template registration). The REST handlers do not call
// RecordAdminAction.
type AdminAction struct {
	Actor     string `json:"actor"`
	Action    string `json:"action"`
	AccountID string `json:"account_id"`
	DeviceID  string `json:"device_id,omitempty"`
	Detail    string `json:"detail,omitempty"`
}

// RecordPolicyRejection appends a PolicyRejection entry to the chain.
func (l *Logger) RecordPolicyRejection(r PolicyRejection) (Entry, error) {
	raw, err := json.Marshal(struct {
		Kind string `json:"kind"`
		PolicyRejection
	}{Kind: "policy_rejection", PolicyRejection: r})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal policy rejection: %w", err)
	}
	return l.Append(raw)
}

// RecordAdminAction appends an AdminAction entry to the chain.
func (l *Logger) RecordAdminAction(a AdminAction) (Entry, error) {
	raw, err := json.Marshal(struct {
		Kind string `json:"kind"`
		AdminAction
	}{Kind: "admin_action", AdminAction: a})
	if err != nil {
		return Entry{}, fmt.Errorf("audit: marshal admin action: %w", err)
	}
	return l.Append(raw)
}
