package rules

import (
	"time"

	"github.com/google/uuid"

	"github.com/hmcore/hmcore/internal/domain/documents"
	"github.com/hmcore/hmcore/internal/domain/task"
)

// CloseGateRuleCode is the canonical rule driving encounter close
// completeness checks.
const CloseGateRuleCode = "encounter.close_gate"

// Rule is a tenant/facility-scoped configuration record. The close-gate
// evaluator only reads rules; administrative tooling writes them.
type Rule struct {
	ID          uuid.UUID              `json:"id"`
	TenantID    uuid.UUID              `json:"tenant_id"`
	FacilityID  uuid.UUID              `json:"facility_id"`
	Code        string                 `json:"code"`
	Description string                 `json:"description"`
	IsActive    bool                   `json:"is_active"`
	Config      map[string]interface{} `json:"config"`
	CreatedAt   time.Time              `json:"created_at"`
	UpdatedAt   time.Time              `json:"updated_at"`
}

// CloseGateConfig is the parsed shape of the close-gate rule's config.
type CloseGateConfig struct {
	RequiredTasks          []string `json:"required_tasks"`
	RequiredDocs           []string `json:"required_docs"`
	BlockOnCriticalUnacked bool     `json:"block_on_critical_unacked"`
	BlockOnUnverifiedLab   bool     `json:"block_on_unverified_lab"`
}

// DefaultCloseGateConfig returns the gate configuration used when no
// active close-gate rule exists for the scope.
func DefaultCloseGateConfig() CloseGateConfig {
	return CloseGateConfig{
		RequiredTasks:          []string{task.CodeRecordVitals, task.CodeDoctorConsult},
		RequiredDocs:           []string{string(documents.KindVitals), string(documents.KindAssessment), string(documents.KindPlan)},
		BlockOnCriticalUnacked: true,
		BlockOnUnverifiedLab:   false,
	}
}

// ConfigMap renders the config back to the stored JSON shape.
func (c CloseGateConfig) ConfigMap() map[string]interface{} {
	return map[string]interface{}{
		"required_tasks":            c.RequiredTasks,
		"required_docs":             c.RequiredDocs,
		"block_on_critical_unacked": c.BlockOnCriticalUnacked,
		"block_on_unverified_lab":   c.BlockOnUnverifiedLab,
	}
}

// CloseGateConfigFromRule parses rule.Config, falling back to defaults
// for absent or empty fields. A nil rule yields the defaults wholesale.
func CloseGateConfigFromRule(rule *Rule) CloseGateConfig {
	cfg := DefaultCloseGateConfig()
	if rule == nil {
		return cfg
	}
	if v := stringList(rule.Config["required_tasks"]); len(v) > 0 {
		cfg.RequiredTasks = v
	}
	if v := stringList(rule.Config["required_docs"]); len(v) > 0 {
		cfg.RequiredDocs = v
	}
	if v, ok := rule.Config["block_on_critical_unacked"].(bool); ok {
		cfg.BlockOnCriticalUnacked = v
	}
	if v, ok := rule.Config["block_on_unverified_lab"].(bool); ok {
		cfg.BlockOnUnverifiedLab = v
	}
	return cfg
}

// stringList coerces a decoded JSON value into a string slice. JSON
// arrays decode as []interface{}, but configs seeded in-process may
// carry []string directly.
func stringList(v interface{}) []string {
	switch vv := v.(type) {
	case []string:
		return vv
	case []interface{}:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
