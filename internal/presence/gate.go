// Package presence decides who may see and act on what, and tracks which
// agents are online.
//
// The gate functions are pure: they read only the agent's permission set
// and the conversation's assignee.
package presence

import "github.com/dayuer/inboxd/internal/model"

// Action is a permission-gated operation.
type Action string

const (
	ActionReply          Action = "reply"
	ActionAssign         Action = "assign"
	ActionBulkMessage    Action = "bulk_message"
	ActionManageAgents   Action = "manage_agents"
	ActionManageChannels Action = "manage_channels"
)

// CanView reports whether agent may see conv.
func CanView(agent model.Agent, conv model.Conversation) bool {
	if agent.Permissions.ViewAll {
		return true
	}
	if agent.Permissions.ViewAssigned {
		return conv.AssignedAgentID != "" && conv.AssignedAgentID == agent.ID
	}
	return false
}

// Allowed reports whether agent holds the permission for action.
func Allowed(agent model.Agent, action Action) bool {
	p := agent.Permissions
	switch action {
	case ActionReply:
		return p.Reply
	case ActionAssign:
		return p.Assign
	case ActionBulkMessage:
		return p.BulkMessage
	case ActionManageAgents:
		return p.ManageAgents
	case ActionManageChannels:
		return p.ManageChannels
	}
	return false
}

// CanReply reports whether agent may send into conv: reply permission plus
// either view_all or being the assignee.
func CanReply(agent model.Agent, conv model.Conversation) bool {
	if !agent.Permissions.Reply {
		return false
	}
	return agent.Permissions.ViewAll || (conv.AssignedAgentID != "" && conv.AssignedAgentID == agent.ID)
}

// Viewers is the audience of agents who can see conv.
func Viewers(conv model.Conversation) func(model.Agent) bool {
	return func(a model.Agent) bool { return CanView(a, conv) }
}

// Holders is the audience of agents allowed to perform action.
func Holders(action Action) func(model.Agent) bool {
	return func(a model.Agent) bool { return Allowed(a, action) }
}
