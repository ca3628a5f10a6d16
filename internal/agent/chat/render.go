package chat

import (
	"fmt"
	"strings"

	"github.com/marketscope/core/internal/agent/escalation"
	"github.com/marketscope/core/internal/agent/model"
)

// RenderTurn formats a turn for a plain-text transcript. Citations are shown
// as reported by the backend.
func RenderTurn(t model.ChatTurn) string {
	var b strings.Builder
	switch t.Role {
	case model.RoleUser:
		b.WriteString("you> ")
	case model.RoleSystem:
		b.WriteString("-- ")
	default:
		b.WriteString("assistant> ")
	}
	b.WriteString(t.Content)
	for _, n := range t.Notes {
		fmt.Fprintf(&b, "\n  note: %s", n)
	}
	if len(t.Citations) > 0 {
		refs := make([]string, len(t.Citations))
		for i, c := range t.Citations {
			refs[i] = fmt.Sprintf("%s (%s)", c.ItemID, c.Provenance)
		}
		fmt.Fprintf(&b, "\n  sources: %s", strings.Join(refs, ", "))
	}
	return b.String()
}

// RenderPending formats the confirmation prompt for a pending escalation.
func RenderPending(s Snapshot) string {
	if s.Pending == nil {
		return ""
	}
	return escalation.Prompt(*s.Pending)
}
