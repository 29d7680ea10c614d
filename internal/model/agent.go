package model

import "time"

// Role is the coarse operator role; permissions are what the gate checks.
type Role string

const (
	RoleAdmin Role = "admin"
	RoleAgent Role = "agent"
)

// Permissions is the fixed set of named capabilities an agent holds.
type Permissions struct {
	ViewAll        bool `json:"view_all" yaml:"view_all"`
	ViewAssigned   bool `json:"view_assigned" yaml:"view_assigned"`
	Reply          bool `json:"reply" yaml:"reply"`
	Assign         bool `json:"assign" yaml:"assign"`
	BulkMessage    bool `json:"bulk_message" yaml:"bulk_message"`
	ManageAgents   bool `json:"manage_agents" yaml:"manage_agents"`
	ManageChannels bool `json:"manage_channels" yaml:"manage_channels"`
}

// DefaultPermissions returns the permission set for a new agent of role.
func DefaultPermissions(role Role) Permissions {
	if role == RoleAdmin {
		return Permissions{
			ViewAll:        true,
			ViewAssigned:   true,
			Reply:          true,
			Assign:         true,
			BulkMessage:    true,
			ManageAgents:   true,
			ManageChannels: true,
		}
	}
	return Permissions{ViewAssigned: true, Reply: true}
}

// PermissionOverrides carries optional per-flag overrides from a request.
type PermissionOverrides struct {
	ViewAll        *bool `json:"view_all,omitempty" yaml:"view_all,omitempty"`
	ViewAssigned   *bool `json:"view_assigned,omitempty" yaml:"view_assigned,omitempty"`
	Reply          *bool `json:"reply,omitempty" yaml:"reply,omitempty"`
	Assign         *bool `json:"assign,omitempty" yaml:"assign,omitempty"`
	BulkMessage    *bool `json:"bulk_message,omitempty" yaml:"bulk_message,omitempty"`
	ManageAgents   *bool `json:"manage_agents,omitempty" yaml:"manage_agents,omitempty"`
	ManageChannels *bool `json:"manage_channels,omitempty" yaml:"manage_channels,omitempty"`
}

// Apply returns p with every non-nil override applied.
func (o PermissionOverrides) Apply(p Permissions) Permissions {
	set := func(dst *bool, v *bool) {
		if v != nil {
			*dst = *v
		}
	}
	set(&p.ViewAll, o.ViewAll)
	set(&p.ViewAssigned, o.ViewAssigned)
	set(&p.Reply, o.Reply)
	set(&p.Assign, o.Assign)
	set(&p.BulkMessage, o.BulkMessage)
	set(&p.ManageAgents, o.ManageAgents)
	set(&p.ManageChannels, o.ManageChannels)
	return p
}

// Agent is a human operator.
type Agent struct {
	ID           string      `json:"id"`
	Email        string      `json:"email"`
	PasswordHash string      `json:"-"`
	Name         string      `json:"name"`
	Role         Role        `json:"role"`
	Permissions  Permissions `json:"permissions"`
	Online       bool        `json:"online"`
	LastSeenAt   time.Time   `json:"last_seen_at,omitempty"`
	CreatedAt    time.Time   `json:"created_at"`
}

// UsageRecord is one entry of the append-only generation usage ledger.
type UsageRecord struct {
	ID              string    `json:"id"`
	AgentID         string    `json:"agent_id"`
	Kind            string    `json:"kind"`
	Model           string    `json:"model"`
	InputTokens     int       `json:"input_tokens"`
	OutputTokens    int       `json:"output_tokens"`
	ImagesGenerated int       `json:"images_generated"`
	CreatedAt       time.Time `json:"created_at"`
}
