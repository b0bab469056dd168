// Package types defines the shared data types used across all Parley packages.
//
// These types form the lingua franca between the agent, the memory provider,
// the context builder, and the persistence layer. They are intentionally
// minimal; each package defines its own domain types, but cross-cutting data
// structures live here to avoid circular imports.
package types

import "time"

// UserSender is the fixed sender label recorded for player-authored messages.
// Agent-authored messages use the agent's display name instead.
const UserSender = "User"

// MessageEntry is a single timestamped message in a conversation.
//
// Entries are immutable once created: the agent appends them to a conversation
// log and the memory provider embeds them, but nothing ever mutates an
// existing entry. The JSON tags match the on-disk agent record format consumed
// by the persistence layer.
type MessageEntry struct {
	// Sender is either [UserSender] or the agent's display name.
	Sender string `json:"sender"`

	// Content is the literal message text.
	Content string `json:"message"`

	// MessageID is a unique identifier generated at creation time. The memory
	// provider deduplicates embedding work on this ID, never on content.
	MessageID string `json:"messageId"`

	// Timestamp is when the entry was created.
	Timestamp time.Time `json:"timestamp,omitempty"`
}

// AgentSnapshot is the exported persistence contract of an agent.
//
// An agent produces a snapshot via its Export method and is reconstructed from
// one via Restore. The persistence layer serialises snapshots verbatim and
// never reaches into agent internals.
type AgentSnapshot struct {
	// AgentID is the unique, immutable identifier of the agent.
	AgentID string `json:"agentId"`

	// AgentName is the display and lookup name of the agent.
	AgentName string `json:"agentName"`

	// SystemPrompt is the agent's persona prompt at snapshot time.
	SystemPrompt string `json:"systemPrompt"`

	// UserConversations maps user IDs to their chronological message logs.
	UserConversations map[string][]MessageEntry `json:"userConversations"`

	// EmbeddedMessageIDs lists the message IDs already pushed into the memory
	// index, so that a reloaded agent does not re-embed its own history.
	EmbeddedMessageIDs []string `json:"embeddedMessageIds,omitempty"`

	// CreatedAt is when the agent was first created.
	CreatedAt time.Time `json:"createdAt"`

	// LastModified is when the snapshot was taken.
	LastModified time.Time `json:"lastModified"`
}
