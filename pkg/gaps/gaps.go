// Package gaps detects missing agent coverage and fills it.
package gaps

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/MycosoftLabs/mas-runtime/pkg/logging"
	"github.com/MycosoftLabs/mas-runtime/pkg/types"
)

// GapType classifies what kind of coverage is missing.
type GapType string

const (
	GapTypeCategory    GapType = "category"
	GapTypeRoute       GapType = "route"
	GapTypeIntegration GapType = "integration"
)

// Severity ranks how urgent a gap is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Gap is one detected hole in agent coverage.
type Gap struct {
	ID              string              `json:"gap_id"`
	Type            GapType             `json:"gap_type"`
	Category        types.AgentCategory `json:"category,omitempty"`
	Description     string              `json:"description"`
	Severity        Severity            `json:"severity"`
	SuggestedConfig *types.AgentConfig  `json:"suggested_config"`
	AutoCreate      bool                `json:"auto_create"`
	DetectedAt      time.Time           `json:"detected_at"`
}

// Report aggregates a scan's results.
type Report struct {
	TotalGaps    int              `json:"total_gaps"`
	ByType       map[GapType]int  `json:"by_type"`
	BySeverity   map[Severity]int `json:"by_severity"`
	AutoFillable int              `json:"auto_fillable"`
	Gaps         []*Gap           `json:"gaps"`
}

// Directory is the read side of the agent pool the detector scans.
type Directory interface {
	GetAgentState(agentID string) (*types.AgentState, error)
	GetAgentsByCategory(category types.AgentCategory) []*types.AgentState
}

// Spawner creates agents to fill gaps.
type Spawner interface {
	SpawnAgent(ctx context.Context, config *types.AgentConfig) (*types.AgentState, error)
}

// requiredAgent names one agent a category must always have.
type requiredAgent struct {
	agentID     string
	agentType   string
	description string
}

// requiredAgents is the coverage policy by category.
var requiredAgents = map[types.AgentCategory][]requiredAgent{
	types.CategoryCore: {
		{"myca-core", "orchestrator", "Central orchestrator"},
		{"task-router", "router", "Task routing"},
		{"event-processor", "processor", "Event processing"},
	},
	types.CategoryCorporate: {
		{"ceo-agent", "executive", "Strategic decisions"},
		{"cfo-agent", "financial", "Financial oversight"},
		{"cto-agent", "technical", "Technology decisions"},
	},
	types.CategoryInfrastructure: {
		{"proxmox-agent", "vm-manager", "VM management"},
		{"docker-agent", "container-manager", "Container orchestration"},
		{"network-agent", "network-manager", "Network management"},
		{"storage-agent", "storage-manager", "Storage management"},
		{"monitoring-agent", "monitor", "System monitoring"},
	},
	types.CategorySecurity: {
		{"soc-agent", "security", "Security operations"},
		{"audit-agent", "audit", "Audit logging"},
	},
	types.CategoryDevice: {
		{"mycobrain-coordinator", "device-coordinator", "MycoBrain fleet management"},
	},
	types.CategoryIntegration: {
		{"n8n-agent", "workflow", "n8n workflow integration"},
		{"zapier-agent", "integration", "Zapier integration"},
		{"elevenlabs-agent", "voice", "Voice synthesis"},
	},
	types.CategoryData: {
		{"mindex-agent", "database", "MINDEX database operations"},
		{"etl-agent", "etl", "Data ETL processing"},
		{"search-agent", "search", "Search operations"},
	},
}

// criticalRoutes are API routes that must have monitoring agents.
var criticalRoutes = []string{
	"/api/auth",
	"/api/mindex",
	"/api/mycobrain",
	"/api/natureos",
	"/api/ai",
	"/api/search",
}

// integration names an external service that needs a managing agent.
type integration struct {
	id        string
	agentType string
	critical  bool
}

var integrations = []integration{
	{"n8n", "workflow", true},
	{"zapier", "integration", false},
	{"elevenlabs", "voice", true},
	{"openai", "ai-provider", true},
	{"anthropic", "ai-provider", true},
}

// autoCreateCategories fill automatically without operator action.
var autoCreateCategories = map[types.AgentCategory]bool{
	types.CategoryCore:           true,
	types.CategoryInfrastructure: true,
	types.CategorySecurity:       true,
}

// Config holds detector settings.
type Config struct {
	Enabled      bool
	ScanInterval time.Duration
	AutoFill     bool
}

// Detector scans the pool for coverage gaps. Each scan recomputes the
// gap list from scratch.
type Detector struct {
	directory Directory
	spawner   Spawner
	config    Config
	logger    *logging.Logger

	gaps []*Gap
	mu   sync.RWMutex

	cancel  context.CancelFunc
	running bool
}

// NewDetector creates a gap detector over the given pool views.
func NewDetector(directory Directory, spawner Spawner, config Config) *Detector {
	if config.ScanInterval <= 0 {
		config.ScanInterval = 5 * time.Minute
	}
	return &Detector{
		directory: directory,
		spawner:   spawner,
		config:    config,
		logger:    logging.GetLogger().WithComponent("gaps"),
	}
}

// ScanForGaps recomputes all gaps: missing category agents, unmonitored
// critical routes, and integrations without agents.
func (d *Detector) ScanForGaps(ctx context.Context) []*Gap {
	var found []*Gap
	now := time.Now().UTC()

	found = append(found, d.scanCategories(now)...)
	found = append(found, d.scanRoutes(now)...)
	found = append(found, d.scanIntegrations(now)...)

	d.mu.Lock()
	d.gaps = found
	d.mu.Unlock()

	d.logger.WithField("count", len(found)).Info("gap scan complete")
	return copyGaps(found)
}

func (d *Detector) scanCategories(now time.Time) []*Gap {
	var found []*Gap
	for category, required := range requiredAgents {
		existing := make(map[string]bool)
		for _, state := range d.directory.GetAgentsByCategory(category) {
			if state.Status.IsLive() {
				existing[state.AgentID] = true
			}
		}

		for _, spec := range required {
			if existing[spec.agentID] {
				continue
			}
			severity := SeverityMedium
			if category == types.CategoryCore || category == types.CategorySecurity {
				severity = SeverityHigh
			}
			found = append(found, &Gap{
				ID:          "category-" + spec.agentID,
				Type:        GapTypeCategory,
				Category:    category,
				Description: fmt.Sprintf("Missing %s agent", spec.description),
				Severity:    severity,
				SuggestedConfig: &types.AgentConfig{
					AgentID:     spec.agentID,
					AgentType:   spec.agentType,
					Category:    category,
					DisplayName: spec.description,
					Description: spec.description,
				},
				AutoCreate: autoCreateCategories[category],
				DetectedAt: now,
			})
		}
	}
	return found
}

func (d *Detector) scanRoutes(now time.Time) []*Gap {
	var found []*Gap
	for _, route := range criticalRoutes {
		agentID := "route-" + strings.Trim(strings.ReplaceAll(route, "/", "-"), "-")
		if d.isLive(agentID) {
			continue
		}
		found = append(found, &Gap{
			ID:          "route-" + agentID,
			Type:        GapTypeRoute,
			Category:    types.CategoryData,
			Description: fmt.Sprintf("No monitoring agent for route %s", route),
			Severity:    SeverityMedium,
			SuggestedConfig: &types.AgentConfig{
				AgentID:     agentID,
				AgentType:   "route-monitor",
				Category:    types.CategoryData,
				DisplayName: "Route Monitor: " + route,
				Description: "Monitors API route " + route,
			},
			AutoCreate: true,
			DetectedAt: now,
		})
	}
	return found
}

func (d *Detector) scanIntegrations(now time.Time) []*Gap {
	var found []*Gap
	for _, ig := range integrations {
		agentID := ig.id + "-agent"
		if d.isLive(agentID) {
			continue
		}
		severity := SeverityLow
		if ig.critical {
			severity = SeverityHigh
		}
		found = append(found, &Gap{
			ID:          "integration-" + agentID,
			Type:        GapTypeIntegration,
			Category:    types.CategoryIntegration,
			Description: fmt.Sprintf("No agent for %s integration", ig.id),
			Severity:    severity,
			SuggestedConfig: &types.AgentConfig{
				AgentID:     agentID,
				AgentType:   ig.agentType,
				Category:    types.CategoryIntegration,
				DisplayName: capitalize(ig.id) + " Integration Agent",
				Description: fmt.Sprintf("Manages %s integration", ig.id),
			},
			AutoCreate: ig.critical,
			DetectedAt: now,
		})
	}
	return found
}

func (d *Detector) isLive(agentID string) bool {
	state, err := d.directory.GetAgentState(agentID)
	return err == nil && state != nil && state.Status.IsLive()
}

// AutoFillGaps spawns an agent for every auto-creatable gap from the
// last scan. Per-gap failures are logged and do not abort the rest.
func (d *Detector) AutoFillGaps(ctx context.Context) []string {
	d.mu.RLock()
	gaps := copyGaps(d.gaps)
	d.mu.RUnlock()

	var created []string
	for _, gap := range gaps {
		if !gap.AutoCreate || gap.SuggestedConfig == nil {
			continue
		}
		if _, err := d.spawner.SpawnAgent(ctx, gap.SuggestedConfig); err != nil {
			d.logger.WithAgent(gap.SuggestedConfig.AgentID).WithError(err).Error("gap auto-fill failed")
			continue
		}
		created = append(created, gap.SuggestedConfig.AgentID)
		d.logger.WithAgent(gap.SuggestedConfig.AgentID).Info("gap auto-filled")
	}
	return created
}

// Gaps returns the gaps from the most recent scan.
func (d *Detector) Gaps() []*Gap {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return copyGaps(d.gaps)
}

// Report aggregates the last scan into counts by type and severity.
func (d *Detector) Report() *Report {
	d.mu.RLock()
	defer d.mu.RUnlock()

	report := &Report{
		TotalGaps:  len(d.gaps),
		ByType:     make(map[GapType]int),
		BySeverity: make(map[Severity]int),
		Gaps:       copyGaps(d.gaps),
	}
	for _, gap := range d.gaps {
		report.ByType[gap.Type]++
		report.BySeverity[gap.Severity]++
		if gap.AutoCreate {
			report.AutoFillable++
		}
	}
	return report
}

// Start runs periodic scans until the context is canceled or Stop is
// called. With AutoFill enabled each scan is followed by a fill pass.
func (d *Detector) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("gap detector is already running")
	}
	if !d.config.Enabled {
		d.mu.Unlock()
		return nil
	}
	loopCtx, cancel := context.WithCancel(ctx)
	d.cancel = cancel
	d.running = true
	d.mu.Unlock()

	go d.scanLoop(loopCtx)
	return nil
}

// Stop halts the scan loop.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.cancel != nil {
		d.cancel()
		d.cancel = nil
	}
	d.running = false
}

func (d *Detector) scanLoop(ctx context.Context) {
	ticker := time.NewTicker(d.config.ScanInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.ScanForGaps(ctx)
			if d.config.AutoFill {
				d.AutoFillGaps(ctx)
			}
		}
	}
}

func capitalize(s string) string {
	if s == "" {
		return s
	}
	return strings.ToUpper(s[:1]) + s[1:]
}

func copyGaps(gaps []*Gap) []*Gap {
	out := make([]*Gap, len(gaps))
	copy(out, gaps)
	return out
}
