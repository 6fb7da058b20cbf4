// Package factory creates agents from templates with an approval
// workflow for sensitive categories.
package factory

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/MycosoftLabs/mas-runtime/pkg/broker"
	"github.com/MycosoftLabs/mas-runtime/pkg/errors"
	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// Template describes a reusable agent blueprint.
type Template struct {
	TemplateID    string              `json:"template_id"`
	AgentType     string              `json:"agent_type"`
	Category      types.AgentCategory `json:"category"`
	DisplayName   string              `json:"display_name"`
	Description   string              `json:"description,omitempty"`
	CPULimit      float64             `json:"cpu_limit"`
	MemoryLimitMB int                 `json:"memory_limit"`
	Capabilities  []string            `json:"capabilities,omitempty"`
	Settings      types.Payload       `json:"settings,omitempty"`
}

// builtinTemplates ship with the runtime.
func builtinTemplates() map[string]*Template {
	return map[string]*Template{
		"infrastructure": {
			TemplateID:    "infrastructure",
			AgentType:     "infrastructure",
			Category:      types.CategoryInfrastructure,
			DisplayName:   "Infrastructure Agent",
			Description:   "Manages infrastructure components",
			CPULimit:      1.0,
			MemoryLimitMB: 512,
			Capabilities:  []string{"vm-management", "container-management"},
		},
		"data": {
			TemplateID:    "data",
			AgentType:     "data",
			Category:      types.CategoryData,
			DisplayName:   "Data Agent",
			Description:   "Handles data operations",
			CPULimit:      2.0,
			MemoryLimitMB: 1024,
			Capabilities:  []string{"etl", "query", "transform"},
		},
		"security": {
			TemplateID:    "security",
			AgentType:     "security",
			Category:      types.CategorySecurity,
			DisplayName:   "Security Agent",
			Description:   "Monitors security",
			CPULimit:      1.0,
			MemoryLimitMB: 512,
			Capabilities:  []string{"threat-detection", "audit"},
		},
		"device": {
			TemplateID:    "device",
			AgentType:     "device",
			Category:      types.CategoryDevice,
			DisplayName:   "Device Agent",
			Description:   "Manages IoT device",
			CPULimit:      0.5,
			MemoryLimitMB: 256,
			Capabilities:  []string{"telemetry", "control"},
		},
		"integration": {
			TemplateID:    "integration",
			AgentType:     "integration",
			Category:      types.CategoryIntegration,
			DisplayName:   "Integration Agent",
			Description:   "Handles external integration",
			CPULimit:      1.0,
			MemoryLimitMB: 512,
			Capabilities:  []string{"api-calls", "webhooks"},
		},
		"route-monitor": {
			TemplateID:    "route-monitor",
			AgentType:     "route-monitor",
			Category:      types.CategoryData,
			DisplayName:   "Route Monitor Agent",
			Description:   "Monitors API route",
			CPULimit:      0.5,
			MemoryLimitMB: 256,
			Capabilities:  []string{"monitoring", "alerting"},
		},
	}
}

// approvalRequired categories park creations for operator decision.
var approvalRequired = map[types.AgentCategory]bool{
	types.CategoryCorporate: true,
	types.CategoryFinancial: true,
}

// CreationRecord is one entry in the creation log.
type CreationRecord struct {
	AgentID   string              `json:"agent_id"`
	AgentType string              `json:"agent_type"`
	Category  types.AgentCategory `json:"category"`
	Reason    string              `json:"reason"`
	Status    string              `json:"status"` // created, rejected
	Timestamp time.Time           `json:"timestamp"`
}

// Spawner starts agents the factory has approved.
type Spawner interface {
	SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error)
}

// CreateOptions customizes one agent creation.
type CreateOptions struct {
	// AgentID overrides the generated id
	AgentID string

	// Reason is recorded in the creation log
	Reason string

	// AutoApproved skips the approval workflow
	AutoApproved bool

	// CustomSettings overlay the template's settings
	CustomSettings types.Payload
}

// Factory creates agents from templates. Creations in approval-required
// categories are parked in the ApprovalStore until decided.
type Factory struct {
	spawner   Spawner
	broker    broker.Broker
	approvals ApprovalStore
	logger    *logging.Logger

	templates map[string]*Template
	log       []*CreationRecord
	mu        sync.RWMutex
}

// New creates a factory. broker may be nil; approval notifications are
// then skipped.
func New(spawner Spawner, b broker.Broker, approvals ApprovalStore) *Factory {
	if approvals == nil {
		approvals = NewMemoryApprovalStore()
	}
	return &Factory{
		spawner:   spawner,
		broker:    b,
		approvals: approvals,
		logger:    logging.GetLogger().WithComponent("factory"),
		templates: builtinTemplates(),
	}
}

// GetTemplate returns a template by id.
func (f *Factory) GetTemplate(templateID string) (*Template, error) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	template, ok := f.templates[templateID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", errors.ErrTemplateNotFound, templateID)
	}
	return template, nil
}

// RegisterTemplate adds or replaces a custom template.
func (f *Factory) RegisterTemplate(template *Template) error {
	if template == nil || template.TemplateID == "" {
		return fmt.Errorf("template with template_id is required")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.templates[template.TemplateID] = template
	return nil
}

// ListTemplates returns all registered templates.
func (f *Factory) ListTemplates() []*Template {
	f.mu.RLock()
	defer f.mu.RUnlock()
	templates := make([]*Template, 0, len(f.templates))
	for _, template := range f.templates {
		templates = append(templates, template)
	}
	return templates
}

// CreateAgent creates an agent from a template. For approval-required
// categories without AutoApproved the request is parked and the pending
// approval returned with a nil state.
func (f *Factory) CreateAgent(ctx context.Context, template *Template, opts CreateOptions) (*types.AgentState, *PendingApproval, error) {
	if template == nil {
		return nil, nil, fmt.Errorf("template is required")
	}

	agentID := opts.AgentID
	if agentID == "" {
		agentID = fmt.Sprintf("%s-%s", template.AgentType, uuid.NewString()[:8])
	}
	reason := opts.Reason
	if reason == "" {
		reason = "manual"
	}

	if approvalRequired[template.Category] && !opts.AutoApproved {
		approval := &PendingApproval{
			ApprovalID:     uuid.NewString(),
			Template:       template,
			AgentID:        agentID,
			Reason:         reason,
			CustomSettings: opts.CustomSettings,
			RequestedAt:    time.Now().UTC().Format(time.RFC3339),
		}
		if err := f.approvals.Put(ctx, approval); err != nil {
			return nil, nil, fmt.Errorf("failed to park approval: %w", err)
		}
		f.notifyApprovalRequired(ctx, approval)
		f.logger.WithAgent(agentID).WithField("approval_id", approval.ApprovalID).
			Info("agent creation pending approval")
		return nil, approval, nil
	}

	config := &types.AgentConfig{
		AgentID:       agentID,
		AgentType:     template.AgentType,
		Category:      template.Category,
		DisplayName:   template.DisplayName,
		Description:   template.Description,
		CPULimit:      template.CPULimit,
		MemoryLimitMB: template.MemoryLimitMB,
		Capabilities:  template.Capabilities,
		Settings:      template.Settings.Merge(opts.CustomSettings),
	}

	state, err := f.spawner.SpawnAgent(ctx, config)
	if err != nil {
		return nil, nil, err
	}

	f.logCreation(agentID, template, reason, "created")
	return state, nil, nil
}

// ApproveCreation replays a parked creation with auto-approval.
func (f *Factory) ApproveCreation(ctx context.Context, approvalID string) (*types.AgentState, error) {
	approval, err := f.approvals.Get(ctx, approvalID)
	if err != nil {
		return nil, err
	}
	if err := f.approvals.Delete(ctx, approvalID); err != nil {
		return nil, err
	}

	state, _, err := f.CreateAgent(ctx, approval.Template, CreateOptions{
		AgentID:        approval.AgentID,
		Reason:         approval.Reason,
		AutoApproved:   true,
		CustomSettings: approval.CustomSettings,
	})
	return state, err
}

// RejectCreation discards a parked creation and logs the rejection.
func (f *Factory) RejectCreation(ctx context.Context, approvalID, reason string) error {
	approval, err := f.approvals.Get(ctx, approvalID)
	if err != nil {
		return err
	}
	if err := f.approvals.Delete(ctx, approvalID); err != nil {
		return err
	}
	if reason == "" {
		reason = "rejected"
	}
	f.logCreation(approval.AgentID, approval.Template, reason, "rejected")
	f.logger.WithAgent(approval.AgentID).Info("agent creation rejected")
	return nil
}

// ListPendingApprovals returns all parked creations.
func (f *Factory) ListPendingApprovals(ctx context.Context) ([]*PendingApproval, error) {
	return f.approvals.List(ctx)
}

// CreationLog returns the most recent limit creation records.
func (f *Factory) CreationLog(limit int) []*CreationRecord {
	f.mu.RLock()
	defer f.mu.RUnlock()

	if limit <= 0 || limit > len(f.log) {
		limit = len(f.log)
	}
	records := make([]*CreationRecord, limit)
	copy(records, f.log[len(f.log)-limit:])
	return records
}

func (f *Factory) notifyApprovalRequired(ctx context.Context, approval *PendingApproval) {
	if f.broker == nil {
		return
	}
	msg := types.NewMessage("agent-factory", "orchestrator", types.MessageTypeEvent, types.Payload{
		"event":       "approval_required",
		"approval_id": approval.ApprovalID,
		"agent_id":    approval.AgentID,
		"agent_type":  approval.Template.AgentType,
	})
	if err := f.broker.Publish(ctx, broker.EventsChannel, msg); err != nil {
		f.logger.WithError(err).Warn("approval notification publish failed")
	}
}

func (f *Factory) logCreation(agentID string, template *Template, reason, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.log = append(f.log, &CreationRecord{
		AgentID:   agentID,
		AgentType: template.AgentType,
		Category:  template.Category,
		Reason:    reason,
		Status:    status,
		Timestamp: time.Now().UTC(),
	})
}
