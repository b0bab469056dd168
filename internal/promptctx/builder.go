// Package promptctx assembles the final prompt string for every agent LLM
// call in the Parley conversational NPC engine.
//
// The builder is a pure function over its inputs: no I/O, no clock, no
// randomness. Given identical inputs it produces byte-identical output, which
// is what makes prompt assembly testable at all. Length ceilings are enforced
// with tail-preserving truncation; when something has to go, it is always the
// oldest content, never the most recent exchange.
package promptctx

import (
	"fmt"
	"strings"
	"unicode/utf8"
)

// Ellipsis marks the point where tail-preserving truncation discarded the
// beginning of a section.
const Ellipsis = "…"

// noContextNote is inserted when neither retrieved nor fixed context is
// available, so a prompt with empty retrieval never looks identical to a
// prompt produced by a broken retrieval path.
const noContextNote = "(no additional context was found)"

// ─────────────────────────────────────────────────────────────────────────────
// Public types
// ─────────────────────────────────────────────────────────────────────────────

// Budgets holds the three independent length ceilings applied during prompt
// assembly. All values are in bytes.
type Budgets struct {
	// MaxContextLen caps each of the retrieved-memory and background sections
	// independently.
	MaxContextLen int

	// MaxConversationLen caps the formatted recent-conversation block as a
	// whole, not per line.
	MaxConversationLen int

	// MaxTotalLen caps the fully assembled prompt after all sections are
	// joined.
	MaxTotalLen int
}

// DefaultBudgets returns the standard ceilings: 1024 bytes per context
// section, 2048 for conversation history, 4096 for the whole prompt.
func DefaultBudgets() Budgets {
	return Budgets{
		MaxContextLen:      1024,
		MaxConversationLen: 2048,
		MaxTotalLen:        4096,
	}
}

// Line is one labeled line of recent conversation, already attributed to a
// speaker ("User" or the agent's display name).
type Line struct {
	Speaker string
	Text    string
}

// Input carries everything [Build] needs to assemble one prompt.
type Input struct {
	// AgentName is the agent's display name, used to label its conversation
	// lines and the closing respond-now instruction.
	AgentName string

	// SystemPrompt is the agent's persona description. Rendered first.
	SystemPrompt string

	// UserInput is the current message being responded to. It is always
	// rendered literally and is never subject to section truncation (only the
	// final whole-prompt ceiling applies to it).
	UserInput string

	// Recent is the recent conversation window, oldest first.
	Recent []Line

	// RetrievedContext is pre-formatted text from the memory index, or empty
	// when retrieval produced nothing.
	RetrievedContext string

	// FixedContext is pre-formatted background/lore text, or empty.
	FixedContext string
}

// ─────────────────────────────────────────────────────────────────────────────
// Assembly
// ─────────────────────────────────────────────────────────────────────────────

// Build assembles the complete prompt for one LLM call.
//
// Sections, in order: system prompt plus response guidelines, retrieved
// memory, background, conversation history, then the current user message with
// a respond-now instruction. The retrieved and background sections are each
// trimmed to b.MaxContextLen, the formatted history block to
// b.MaxConversationLen, and the whole result to b.MaxTotalLen; all with
// [TruncateTail], so len(Build(...)) <= b.MaxTotalLen always holds.
func Build(in Input, b Budgets) string {
	name := in.AgentName
	if name == "" {
		name = "the assistant"
	}

	var sb strings.Builder

	// ── Header and guidelines ─────────────────────────────────────────────────
	if p := strings.TrimSpace(in.SystemPrompt); p != "" {
		sb.WriteString(p)
		sb.WriteString("\n\n")
	}
	fmt.Fprintf(&sb, "Respond in first person as %s.", name)
	sb.WriteString(" Do not simulate both sides of the conversation.")
	sb.WriteString(" Do not prefix your reply with a role label or your name.")

	// ── Retrieved and background context ──────────────────────────────────────
	retrieved := strings.TrimSpace(in.RetrievedContext)
	fixed := strings.TrimSpace(in.FixedContext)
	if retrieved == "" && fixed == "" {
		sb.WriteString("\n\n## Memory\n")
		sb.WriteString(noContextNote)
	} else {
		if retrieved != "" {
			sb.WriteString("\n\n## Memory\n")
			sb.WriteString(TruncateTail(retrieved, b.MaxContextLen))
		}
		if fixed != "" {
			sb.WriteString("\n\n## Background\n")
			sb.WriteString(TruncateTail(fixed, b.MaxContextLen))
		}
	}

	// ── Conversation history ──────────────────────────────────────────────────
	if history := FormatHistory(in.Recent); history != "" {
		sb.WriteString("\n\n## Conversation History\n")
		sb.WriteString(TruncateTail(history, b.MaxConversationLen))
	}

	// ── Current message ───────────────────────────────────────────────────────
	sb.WriteString("\n\nUser: ")
	sb.WriteString(in.UserInput)
	fmt.Fprintf(&sb, "\n\nNow respond as %s:", name)

	return TruncateTail(sb.String(), b.MaxTotalLen)
}

// FormatHistory renders a conversation window as newline-joined labeled lines
// ("User: ..." / "<AgentName>: ..."), oldest first. Empty input yields an
// empty string.
func FormatHistory(lines []Line) string {
	if len(lines) == 0 {
		return ""
	}
	formatted := make([]string, 0, len(lines))
	for _, l := range lines {
		speaker := l.Speaker
		if speaker == "" {
			speaker = "Unknown"
		}
		formatted = append(formatted, fmt.Sprintf("%s: %s", speaker, l.Text))
	}
	return strings.Join(formatted, "\n")
}

// TruncateTail trims s to at most max bytes, keeping the end of the string
// and prefixing [Ellipsis] to mark the cut. The marker counts against the
// budget, the cut never splits a UTF-8 rune, and strings already within
// budget are returned unchanged.
func TruncateTail(s string, max int) string {
	if max <= 0 {
		return ""
	}
	if len(s) <= max {
		return s
	}
	if max <= len(Ellipsis) {
		// Nothing meaningful fits beside the marker.
		return ""
	}
	cut := len(s) - (max - len(Ellipsis))
	for cut < len(s) && !utf8.RuneStart(s[cut]) {
		cut++
	}
	return Ellipsis + s[cut:]
}
