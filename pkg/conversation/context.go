package conversation

import (
	"fmt"
	"strings"
)

const (
	contextQuestionLimit = 200
	contextResponseLimit = 300
)

// ContextDigest renders the prior rounds of a conversation as a compact
// textual block prefixed to follow-up questions, so every participant sees
// what was already asked and answered without replaying the whole thread.
func ContextDigest(c *Conversation) string {
	if len(c.Rounds) == 0 {
		return ""
	}

	var b strings.Builder
	b.WriteString("CONVERSATION CONTEXT (prior rounds):\n")
	fmt.Fprintf(&b, "Conversation: %s\n", c.ConversationID)
	fmt.Fprintf(&b, "Participants: %s\n\n", strings.Join(c.Participants, ", "))

	for _, r := range c.Rounds {
		fmt.Fprintf(&b, "-- Round %d (%s) --\n", r.Round, r.Status)
		fmt.Fprintf(&b, "Q: %s\n", trim(r.Question, contextQuestionLimit))
		if len(r.Responses) == 0 {
			b.WriteString("  (no responses yet)\n")
		}
		for _, resp := range r.Responses {
			fmt.Fprintf(&b, "  %s: %s\n", resp.Agent, trim(resp.Body, contextResponseLimit))
		}
		b.WriteString("\n")
	}
	return b.String()
}

// PriorRounds is the machine-readable form carried in
// replyContext.priorRounds alongside the textual digest.
func PriorRounds(c *Conversation) []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(c.Rounds))
	for _, r := range c.Rounds {
		responses := make([]map[string]string, 0, len(r.Responses))
		for _, resp := range r.Responses {
			responses = append(responses, map[string]string{
				"agent": resp.Agent,
				"body":  trim(resp.Body, contextResponseLimit),
			})
		}
		out = append(out, map[string]interface{}{
			"round":     r.Round,
			"question":  trim(r.Question, contextQuestionLimit),
			"status":    r.Status,
			"responses": responses,
		})
	}
	return out
}

func trim(s string, limit int) string {
	runes := []rune(s)
	if len(runes) <= limit {
		return s
	}
	return string(runes[:limit])
}
