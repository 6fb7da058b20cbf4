// Package types contains the shared data model for the MAS agent runtime.
package types

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

// Response represents a generic API response envelope.
type Response struct {
	Success bool        `json:"success"`
	Message string      `json:"message,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

// AgentStatus represents the lifecycle state of an agent.
type AgentStatus string

const (
	AgentStatusSpawning AgentStatus = "spawning" // container initializing
	AgentStatusActive   AgentStatus = "active"   // ready and processing
	AgentStatusBusy     AgentStatus = "busy"     // executing a task
	AgentStatusIdle     AgentStatus = "idle"     // waiting for work
	AgentStatusPaused   AgentStatus = "paused"   // temporarily suspended
	AgentStatusError    AgentStatus = "error"    // failed state
	AgentStatusShutdown AgentStatus = "shutdown" // graceful stop
	AgentStatusDead     AgentStatus = "dead"     // unresponsive
	AgentStatusArchived AgentStatus = "archived" // preserved, not running
)

// IsAvailable reports whether an agent in this status can accept tasks.
func (s AgentStatus) IsAvailable() bool {
	return s == AgentStatusActive || s == AgentStatusIdle
}

// IsLive reports whether an agent in this status counts toward
// required-coverage policies.
func (s AgentStatus) IsLive() bool {
	return s == AgentStatusActive || s == AgentStatusBusy
}

// AgentCategory classifies agents for policy decisions.
type AgentCategory string

const (
	CategoryCore           AgentCategory = "core"
	CategoryCorporate      AgentCategory = "corporate"
	CategoryFinancial      AgentCategory = "financial"
	CategoryMycology       AgentCategory = "mycology"
	CategoryData           AgentCategory = "data"
	CategoryInfrastructure AgentCategory = "infrastructure"
	CategoryDevice         AgentCategory = "device"
	CategoryIntegration    AgentCategory = "integration"
	CategorySecurity       AgentCategory = "security"
	CategorySimulation     AgentCategory = "simulation"
	CategoryCommunication  AgentCategory = "communication"
	CategoryDAO            AgentCategory = "dao"
	CategoryNLM            AgentCategory = "nlm"
	CategoryCustom         AgentCategory = "custom"
)

// ParseCategory maps a string to an AgentCategory, defaulting to custom.
func ParseCategory(s string) AgentCategory {
	switch c := AgentCategory(s); c {
	case CategoryCore, CategoryCorporate, CategoryFinancial, CategoryMycology,
		CategoryData, CategoryInfrastructure, CategoryDevice, CategoryIntegration,
		CategorySecurity, CategorySimulation, CategoryCommunication, CategoryDAO,
		CategoryNLM, CategoryCustom:
		return c
	default:
		return CategoryCustom
	}
}

// MessageType represents agent-to-agent message kinds.
type MessageType string

const (
	MessageTypeRequest   MessageType = "request"   // task/action request
	MessageTypeResponse  MessageType = "response"  // response to a request
	MessageTypeEvent     MessageType = "event"     // notification event
	MessageTypeCommand   MessageType = "command"   // direct command
	MessageTypeHeartbeat MessageType = "heartbeat" // liveness signal
	MessageTypeBroadcast MessageType = "broadcast" // message to all agents
	MessageTypeAck       MessageType = "ack"       // acknowledgment
)

// TaskPriority orders task execution within a runtime.
type TaskPriority int

const (
	PriorityBackground TaskPriority = 1  // lowest priority
	PriorityLow        TaskPriority = 3  // when resources available
	PriorityNormal     TaskPriority = 5  // standard priority
	PriorityHigh       TaskPriority = 8  // next in queue
	PriorityCritical   TaskPriority = 10 // immediate execution
)

// TaskStatus represents the state of a task.
type TaskStatus string

const (
	TaskStatusPending   TaskStatus = "pending"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
	TaskStatusCancelled TaskStatus = "cancelled"
)

// IsTerminal reports whether a task in this status will not change again.
func (s TaskStatus) IsTerminal() bool {
	return s == TaskStatusCompleted || s == TaskStatusFailed || s == TaskStatusCancelled
}

// Payload is the open value type carried by tasks and messages. Envelope
// fields live on the typed structs; handler-specific data stays here.
type Payload map[string]interface{}

// String returns the string value for key, or empty.
func (p Payload) String(key string) string {
	if v, ok := p[key].(string); ok {
		return v
	}
	return ""
}

// Int returns the integer value for key, handling JSON's float64 decoding.
func (p Payload) Int(key string) int {
	switch v := p[key].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

// Float returns the float value for key.
func (p Payload) Float(key string) float64 {
	switch v := p[key].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

// Bool returns the boolean value for key.
func (p Payload) Bool(key string) bool {
	v, _ := p[key].(bool)
	return v
}

// Map returns a nested payload for key, or nil.
func (p Payload) Map(key string) Payload {
	switch v := p[key].(type) {
	case Payload:
		return v
	case map[string]interface{}:
		return Payload(v)
	}
	return nil
}

// Merge returns a copy of p with overrides applied on top.
func (p Payload) Merge(overrides Payload) Payload {
	merged := make(Payload, len(p)+len(overrides))
	for k, v := range p {
		merged[k] = v
	}
	for k, v := range overrides {
		merged[k] = v
	}
	return merged
}

// AgentConfig holds the immutable-at-spawn descriptor for an agent.
type AgentConfig struct {
	AgentID     string        `json:"agent_id" yaml:"agent_id"`
	AgentType   string        `json:"agent_type" yaml:"agent_type"`
	Category    AgentCategory `json:"category" yaml:"category"`
	DisplayName string        `json:"display_name" yaml:"display_name"`
	Description string        `json:"description,omitempty" yaml:"description,omitempty"`
	Version     string        `json:"version,omitempty" yaml:"version,omitempty"`

	// Resource limits
	CPULimit           float64       `json:"cpu_limit" yaml:"cpu_limit"`       // cores
	MemoryLimitMB      int           `json:"memory_limit" yaml:"memory_limit"` // MB
	MaxConcurrentTasks int           `json:"max_concurrent_tasks" yaml:"max_concurrent_tasks"`
	TaskTimeout        time.Duration `json:"task_timeout" yaml:"task_timeout"`

	// Health settings
	HealthCheckInterval time.Duration `json:"health_check_interval" yaml:"health_check_interval"`
	HeartbeatInterval   time.Duration `json:"heartbeat_interval" yaml:"heartbeat_interval"`
	MaxRetries          int           `json:"max_retries" yaml:"max_retries"`

	// Communication
	Capabilities []string `json:"capabilities,omitempty" yaml:"capabilities,omitempty"`
	Dependencies []string `json:"dependencies,omitempty" yaml:"dependencies,omitempty"`

	// Execution
	AutoStart   bool `json:"auto_start" yaml:"auto_start"`
	AutoRestart bool `json:"auto_restart" yaml:"auto_restart"`

	Settings Payload `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// ApplyDefaults fills zero-valued fields with runtime defaults.
func (c *AgentConfig) ApplyDefaults() {
	if c.Version == "" {
		c.Version = "1.0.0"
	}
	if c.CPULimit == 0 {
		c.CPULimit = 1.0
	}
	if c.MemoryLimitMB == 0 {
		c.MemoryLimitMB = 512
	}
	if c.MaxConcurrentTasks == 0 {
		c.MaxConcurrentTasks = 5
	}
	if c.TaskTimeout == 0 {
		c.TaskTimeout = 5 * time.Minute
	}
	if c.HealthCheckInterval == 0 {
		c.HealthCheckInterval = 30 * time.Second
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 10 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	if c.Category == "" {
		c.Category = CategoryCustom
	}
	if c.DisplayName == "" {
		c.DisplayName = c.AgentID
	}
}

// AgentState holds the runtime-observed mutable state of one agent.
// Exactly one live instance exists per agent_id; restarts replace it.
type AgentState struct {
	AgentID        string      `json:"agent_id"`
	Status         AgentStatus `json:"status"`
	ContainerID    string      `json:"container_id,omitempty"`
	StartedAt      *time.Time  `json:"started_at,omitempty"`
	LastHeartbeat  *time.Time  `json:"last_heartbeat,omitempty"`
	CurrentTaskID  string      `json:"current_task_id,omitempty"`
	TasksCompleted int         `json:"tasks_completed"`
	TasksFailed    int         `json:"tasks_failed"`
	ErrorMessage   string      `json:"error_message,omitempty"`
	CPUUsage       float64     `json:"cpu_usage"`
	MemoryUsageMB  int         `json:"memory_usage"`
}

// AgentTask is a unit of work routed to one agent.
type AgentTask struct {
	ID             string        `json:"id"`
	AgentID        string        `json:"agent_id"`
	TaskType       string        `json:"task_type"`
	Payload        Payload       `json:"payload,omitempty"`
	Priority       TaskPriority  `json:"priority"`
	CreatedAt      time.Time     `json:"created_at"`
	StartedAt      *time.Time    `json:"started_at,omitempty"`
	CompletedAt    *time.Time    `json:"completed_at,omitempty"`
	Status         TaskStatus    `json:"status"`
	Result         Payload       `json:"result,omitempty"`
	Error          string        `json:"error,omitempty"`
	Timeout        time.Duration `json:"timeout"`
	Retries        int           `json:"retries"`
	MaxRetries     int           `json:"max_retries"`
	RequesterAgent string        `json:"requester_agent,omitempty"`
}

// NewTask creates a pending task with defaults applied.
func NewTask(agentID, taskType string, payload Payload) *AgentTask {
	return &AgentTask{
		ID:         uuid.NewString(),
		AgentID:    agentID,
		TaskType:   taskType,
		Payload:    payload,
		Priority:   PriorityNormal,
		CreatedAt:  time.Now().UTC(),
		Status:     TaskStatusPending,
		Timeout:    5 * time.Minute,
		MaxRetries: 3,
	}
}

// AgentMessage is the envelope for all inter-agent communication.
// Messages are ephemeral; only durable streams persist them.
type AgentMessage struct {
	ID            string       `json:"id"`
	FromAgent     string       `json:"from_agent"`
	ToAgent       string       `json:"to_agent"` // "broadcast" fans out to all agents
	Type          MessageType  `json:"message_type"`
	Payload       Payload      `json:"payload,omitempty"`
	Priority      TaskPriority `json:"priority"`
	RequiresAck   bool         `json:"requires_ack,omitempty"`
	Timestamp     time.Time    `json:"timestamp"`
	CorrelationID string       `json:"correlation_id,omitempty"`
	TTLSeconds    int          `json:"ttl"`
}

// BroadcastTarget is the reserved fan-out destination.
const BroadcastTarget = "broadcast"

// NewMessage creates a message with generated ID and defaults.
func NewMessage(from, to string, mt MessageType, payload Payload) *AgentMessage {
	return &AgentMessage{
		ID:         uuid.NewString(),
		FromAgent:  from,
		ToAgent:    to,
		Type:       mt,
		Payload:    payload,
		Priority:   PriorityNormal,
		Timestamp:  time.Now().UTC(),
		TTLSeconds: 300,
	}
}

// Encode serializes the message for transport.
func (m *AgentMessage) Encode() ([]byte, error) {
	return json.Marshal(m)
}

// DecodeMessage deserializes a transport payload into a message.
func DecodeMessage(data []byte) (*AgentMessage, error) {
	var m AgentMessage
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, err
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.Priority == 0 {
		m.Priority = PriorityNormal
	}
	return &m, nil
}

// SnapshotReason categorizes why a snapshot was taken.
type SnapshotReason string

const (
	SnapshotReasonManual     SnapshotReason = "manual"
	SnapshotReasonScheduled  SnapshotReason = "scheduled"
	SnapshotReasonPreRestart SnapshotReason = "pre-restart"
)

// AgentSnapshot is a point-in-time capture of one agent for recovery.
// Immutable once written; pruned only by retention policy.
type AgentSnapshot struct {
	ID           string         `json:"id"`
	AgentID      string         `json:"agent_id"`
	SnapshotTime time.Time      `json:"snapshot_time"`
	Reason       SnapshotReason `json:"reason"`
	State        AgentState     `json:"state"`
	Config       AgentConfig    `json:"config"`
	PendingTasks []*AgentTask   `json:"pending_tasks,omitempty"`
	MemoryState  Payload        `json:"memory_state,omitempty"`
}

// AgentMetrics is derived observational data, recomputed periodically.
type AgentMetrics struct {
	AgentID   string    `json:"agent_id"`
	Timestamp time.Time `json:"timestamp"`

	// Resource usage
	CPUPercent      float64 `json:"cpu_percent"`
	MemoryMB        int     `json:"memory_mb"`
	NetworkInBytes  int64   `json:"network_in_bytes"`
	NetworkOutBytes int64   `json:"network_out_bytes"`

	// Task metrics
	TasksCompleted    int     `json:"tasks_completed"`
	TasksFailed       int     `json:"tasks_failed"`
	AvgTaskDurationMS float64 `json:"avg_task_duration_ms"`

	// Communication metrics
	MessagesSent      int     `json:"messages_sent"`
	MessagesReceived  int     `json:"messages_received"`
	AvgResponseTimeMS float64 `json:"avg_response_time_ms"`

	// Health
	UptimeSeconds int    `json:"uptime_seconds"`
	ErrorCount    int    `json:"error_count"`
	LastError     string `json:"last_error,omitempty"`
}

// ActivityRecord is the long-term log entry emitted for every task
// execution. The collaborator endpoint is best-effort.
type ActivityRecord struct {
	AgentID       string   `json:"agent_id"`
	ActionType    string   `json:"action_type"`
	InputSummary  string   `json:"input_summary"`
	OutputSummary string   `json:"output_summary,omitempty"`
	Success       bool     `json:"success"`
	DurationMS    int64    `json:"duration_ms"`
	RelatedAgents []string `json:"related_agents,omitempty"`
}
