package conversation

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/fleetmesh/mesh/pkg/audit"
	"github.com/fleetmesh/mesh/pkg/config"
	"github.com/fleetmesh/mesh/pkg/envelope"
	"github.com/fleetmesh/mesh/pkg/logger"
	"github.com/fleetmesh/mesh/pkg/registry"
	"github.com/fleetmesh/mesh/pkg/store"
	"github.com/fleetmesh/mesh/pkg/transport"
)

// Per-type defaults. Broadcast with ack behaves like a short-TTL rally.
var typeTTL = map[string]int{
	TypeRally:      300,
	TypeCollab:     600,
	TypeEscalation: 300,
	TypeBroadcast:  300,
	TypeOpinion:    300,
	TypeBrainstorm: 1800,
}

const broadcastAckTTL = 60

type OpenOptions struct {
	TTL     int
	Ack     bool
	Session *envelope.Session
}

// Engine owns conversation lifecycle on the initiating node: fan-out,
// rounds, response collection, terminal transitions, consensus.
type Engine struct {
	cfg      *config.Config
	reg      *registry.Registry
	pipeline *transport.Pipeline
	auditLog *audit.Log
}

func NewEngine(cfg *config.Config, reg *registry.Registry, pipeline *transport.Pipeline, auditLog *audit.Log) *Engine {
	return &Engine{cfg: cfg, reg: reg, pipeline: pipeline, auditLog: auditLog}
}

func (e *Engine) file(convID string) *store.File[Conversation] {
	return store.NewFile[Conversation](filepath.Join(e.cfg.ConversationsDir(), sanitizeID(convID)+".json"), nil)
}

func sanitizeID(id string) string {
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, id)
}

// Open creates a conversation of the given type and fans the question to
// the participants. Individual send failures are recorded but do not fail
// the conversation.
func (e *Engine) Open(ctx context.Context, convType, question string, participants []string, opts OpenOptions) (*Conversation, transport.BroadcastResult, error) {
	if _, ok := typeTTL[convType]; !ok {
		return nil, transport.BroadcastResult{}, fmt.Errorf("unknown conversation type %q", convType)
	}
	if len(participants) == 0 {
		return nil, transport.BroadcastResult{}, fmt.Errorf("conversation needs participants")
	}

	ttl := opts.TTL
	if ttl <= 0 {
		ttl = typeTTL[convType]
		if convType == TypeBroadcast && opts.Ack {
			ttl = broadcastAckTTL
		}
	}

	expected := len(participants)
	msgType := envelope.TypeRequest
	if convType == TypeBroadcast && !opts.Ack {
		expected = 0
		msgType = envelope.TypeNotification
	}

	now := time.Now().UTC()
	conv := Conversation{
		ConversationID:    envelope.NewConversationID(),
		Type:              convType,
		From:              e.reg.Self(),
		Question:          question,
		Participants:      participants,
		ExpectedResponses: expected,
		Status:            StatusActive,
		CreatedAt:         now,
		UpdatedAt:         now,
		ExpiresAt:         now.Add(time.Duration(ttl) * time.Second),
		TTL:               ttl,
		CurrentRound:      1,
		Rounds: []Round{{
			Round:             1,
			Question:          question,
			TS:                envelope.FormatTimestamp(now),
			Status:            RoundOpen,
			ExpectedResponses: expected,
			Responses:         []Response{},
		}},
		Responses: []Response{},
	}

	if err := e.file(conv.ConversationID).Mutate(func(c *Conversation) error {
		*c = conv
		return nil
	}); err != nil {
		return nil, transport.BroadcastResult{}, err
	}

	result := e.fanOut(ctx, &conv, msgType, question, 1, "", opts.Session)
	e.auditOp(conv.ConversationID, "opened "+convType, StatusActive)
	return &conv, result, nil
}

// FollowUp supersedes the current round if still open, appends a new round,
// and re-fans the question with the shared context of prior rounds.
func (e *Engine) FollowUp(ctx context.Context, convID, question string) (int, transport.BroadcastResult, error) {
	var conv Conversation
	f, err := e.locate(convID)
	if err != nil {
		return 0, transport.BroadcastResult{}, err
	}

	var digest string
	err = f.Mutate(func(c *Conversation) error {
		if c.ConversationID == "" {
			return fmt.Errorf("conversation %s not found", convID)
		}
		// A completed conversation may be reopened with a new round; the
		// other terminal states are final.
		if c.Status == StatusClosed || c.Status == StatusCancelled || c.Status == StatusTimeout {
			return fmt.Errorf("conversation %s is %s", convID, c.Status)
		}
		if cur := c.Current(); cur != nil && cur.Status == RoundOpen {
			cur.Status = RoundSuperseded
		}
		digest = ContextDigest(c)

		now := time.Now().UTC()
		next := c.CurrentRound + 1
		c.Rounds = append(c.Rounds, Round{
			Round:             next,
			Question:          question,
			TS:                envelope.FormatTimestamp(now),
			Status:            RoundOpen,
			ExpectedResponses: len(c.Participants),
			Responses:         []Response{},
		})
		c.CurrentRound = next
		c.Status = StatusActive
		c.UpdatedAt = now
		c.ExpiresAt = now.Add(time.Duration(c.TTL) * time.Second)
		conv = *c
		return nil
	})
	if err != nil {
		return 0, transport.BroadcastResult{}, err
	}

	result := e.fanOut(ctx, &conv, envelope.TypeRequest, question, conv.CurrentRound, digest, nil)
	return conv.CurrentRound, result, nil
}

// fanOut sends one round's question to every participant. The body carries
// the textual digest of prior rounds; replyContext carries the
// machine-readable form.
func (e *Engine) fanOut(ctx context.Context, conv *Conversation, msgType, question string, round int, digest string, session *envelope.Session) transport.BroadcastResult {
	body := question
	if preamble := e.preamble(conv); preamble != "" {
		body = preamble + "\n\n" + body
	}
	if digest != "" {
		body = digest + "\n" + body
	}

	rc := map[string]interface{}{
		"conversationId": conv.ConversationID,
		"participants":   conv.Participants,
		"round":          round,
	}
	if round > 1 {
		prior := PriorRounds(conv)
		if n := len(prior); n > 0 && conv.Rounds[n-1].Round == round {
			prior = prior[:n-1]
		}
		rc["priorRounds"] = prior
	}
	replyContext, err := json.Marshal(rc)
	if err != nil {
		logger.ErrorCF("conv", "marshal replyContext failed", map[string]interface{}{"error": err.Error()})
	}

	priority := ""
	if conv.Type == TypeEscalation {
		priority = envelope.PriorityHigh
	}

	result := e.pipeline.Broadcast(ctx, conv.Participants, msgType,
		fmt.Sprintf("%s: %s", conv.Type, firstLine(conv.Question)),
		body,
		transport.SendOptions{
			ConversationID:  conv.ConversationID,
			ConversationSeq: round,
			ReplyContext:    replyContext,
			Priority:        priority,
			TTL:             conv.TTL,
			Session:         session,
		})

	for peer, reason := range result.Failed {
		logger.WarnCF("conv", "participant unreachable", map[string]interface{}{
			"conversation": conv.ConversationID,
			"peer":         peer,
			"reason":       reason,
		})
	}
	return result
}

func (e *Engine) preamble(conv *Conversation) string {
	switch conv.Type {
	case TypeCollab:
		return "This is a multi-turn collaboration; expect follow-up rounds in this conversation."
	case TypeEscalation:
		return "Escalation chain: " + strings.Join(conv.Participants, " -> ") + ". Respond in order of engagement."
	case TypeBrainstorm:
		return "Brainstorm: free-form ideas welcome, multiple rounds expected."
	}
	return ""
}

// OnResponse appends a participant's answer to the current round,
// deduplicating by sender, and advances round and conversation status.
func (e *Engine) OnResponse(convID, from, body string) error {
	f, err := e.locate(convID)
	if err != nil {
		return err
	}
	return f.Mutate(func(c *Conversation) error {
		if c.ConversationID == "" {
			return fmt.Errorf("conversation %s not found", convID)
		}
		if Terminal(c.Status) {
			logger.DebugCF("conv", "response after terminal status ignored", map[string]interface{}{
				"conversation": convID,
				"from":         from,
			})
			return nil
		}
		cur := c.Current()
		if cur == nil {
			return fmt.Errorf("conversation %s has no round %d", convID, c.CurrentRound)
		}
		for _, r := range cur.Responses {
			if r.Agent == from {
				return nil
			}
		}

		now := time.Now().UTC()
		resp := Response{Agent: from, Body: body, TS: envelope.FormatTimestamp(now)}
		cur.Responses = append(cur.Responses, resp)
		cur.ReceivedResponses = len(cur.Responses)
		c.Responses = append(c.Responses, resp)
		c.ReceivedResponses++
		c.UpdatedAt = now

		if cur.ExpectedResponses > 0 && cur.ReceivedResponses >= cur.ExpectedResponses {
			cur.Status = RoundComplete
		}

		allComplete := true
		for _, r := range c.Rounds {
			if r.Status != RoundComplete && r.Status != RoundSuperseded {
				allComplete = false
				break
			}
		}
		if allComplete {
			c.Status = StatusComplete
		} else if cur.ReceivedResponses > 0 {
			c.Status = StatusPartial
			if cur.Status == RoundOpen {
				c.Status = StatusActive
			}
		}
		return nil
	})
}

func (e *Engine) Complete(convID, summary string) error {
	return e.terminate(convID, StatusComplete, summary)
}

func (e *Engine) Close(convID, reason string) error {
	return e.terminate(convID, StatusClosed, reason)
}

func (e *Engine) Cancel(convID, reason string) error {
	return e.terminate(convID, StatusCancelled, reason)
}

func (e *Engine) terminate(convID, status, note string) error {
	f, err := e.locate(convID)
	if err != nil {
		return err
	}
	err = f.Mutate(func(c *Conversation) error {
		if c.ConversationID == "" {
			return fmt.Errorf("conversation %s not found", convID)
		}
		c.Status = status
		if note != "" {
			c.Summary = note
		}
		c.UpdatedAt = time.Now().UTC()
		return nil
	})
	if err != nil {
		return err
	}
	e.auditOp(convID, note, status)
	return e.archive(convID)
}

// TimeoutSweep marks every expired non-terminal conversation as timed out
// and archives it.
func (e *Engine) TimeoutSweep(now time.Time) (int, error) {
	convs, err := e.List(false)
	if err != nil {
		return 0, err
	}
	swept := 0
	for _, c := range convs {
		if Terminal(c.Status) || c.ExpiresAt.IsZero() || !c.ExpiresAt.Before(now) {
			continue
		}
		id := c.ConversationID
		err := e.file(id).Mutate(func(c *Conversation) error {
			if !Terminal(c.Status) {
				c.Status = StatusTimeout
				c.UpdatedAt = time.Now().UTC()
			}
			return nil
		})
		if err != nil {
			logger.ErrorCF("conv", "timeout sweep failed", map[string]interface{}{"conversation": id, "error": err.Error()})
			continue
		}
		e.auditOp(id, "expired", StatusTimeout)
		e.archive(id)
		swept++
	}
	return swept, nil
}

// Consensus computes the verdict for a round (0 means current) and stores
// it on the record.
func (e *Engine) Consensus(convID string, round int) (ConsensusResult, error) {
	f, err := e.locate(convID)
	if err != nil {
		return ConsensusResult{}, err
	}
	var result ConsensusResult
	err = f.Mutate(func(c *Conversation) error {
		if c.ConversationID == "" {
			return fmt.Errorf("conversation %s not found", convID)
		}
		target := round
		if target == 0 {
			target = c.CurrentRound
		}
		r := c.Round(target)
		if r == nil {
			return fmt.Errorf("conversation %s has no round %d", convID, target)
		}
		result = ComputeConsensus(r.Responses)
		r.Consensus = &result
		if target == c.CurrentRound {
			c.Consensus = &result
		}
		return nil
	})
	return result, err
}

// Get loads a conversation from the live store or the archive.
func (e *Engine) Get(convID string) (*Conversation, error) {
	f, err := e.locate(convID)
	if err != nil {
		return nil, err
	}
	c, err := f.Get()
	if err != nil {
		return nil, err
	}
	if c.ConversationID == "" {
		return nil, fmt.Errorf("conversation %s not found", convID)
	}
	return &c, nil
}

func (e *Engine) locate(convID string) (*store.File[Conversation], error) {
	live := filepath.Join(e.cfg.ConversationsDir(), sanitizeID(convID)+".json")
	if _, err := os.Stat(live); err == nil {
		return store.NewFile[Conversation](live, nil), nil
	}
	archived := filepath.Join(e.cfg.ConversationsArchiveDir(), sanitizeID(convID)+".json")
	if _, err := os.Stat(archived); err == nil {
		return store.NewFile[Conversation](archived, nil), nil
	}
	// Not found yet: default to the live path so creations land there.
	return store.NewFile[Conversation](live, nil), nil
}

func (e *Engine) archive(convID string) error {
	src := filepath.Join(e.cfg.ConversationsDir(), sanitizeID(convID)+".json")
	if _, err := os.Stat(src); err != nil {
		return nil
	}
	dst := filepath.Join(e.cfg.ConversationsArchiveDir(), sanitizeID(convID)+".json")
	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	return os.Rename(src, dst)
}

// List returns conversations sorted newest first.
func (e *Engine) List(includeArchived bool) ([]Conversation, error) {
	dirs := []string{e.cfg.ConversationsDir()}
	if includeArchived {
		dirs = append(dirs, e.cfg.ConversationsArchiveDir())
	}
	var out []Conversation
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
				continue
			}
			data, err := os.ReadFile(filepath.Join(dir, entry.Name()))
			if err != nil {
				continue
			}
			var c Conversation
			if err := json.Unmarshal(data, &c); err != nil || c.ConversationID == "" {
				continue
			}
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

// Search matches question text, participant names, and ids, live and
// archived.
func (e *Engine) Search(term string) ([]Conversation, error) {
	convs, err := e.List(true)
	if err != nil {
		return nil, err
	}
	term = strings.ToLower(term)
	var out []Conversation
	for _, c := range convs {
		if strings.Contains(strings.ToLower(c.Question), term) ||
			strings.Contains(strings.ToLower(c.ConversationID), term) ||
			containsFold(c.Participants, term) {
			out = append(out, c)
		}
	}
	return out, nil
}

func containsFold(list []string, term string) bool {
	for _, s := range list {
		if strings.Contains(strings.ToLower(s), term) {
			return true
		}
	}
	return false
}

func (e *Engine) auditOp(convID, detail, status string) {
	e.auditLog.Append(audit.Entry{
		From:           e.reg.Self(),
		To:             "*",
		Type:           "conversation",
		ID:             convID,
		Subject:        detail,
		Status:         status,
		ConversationID: convID,
	})
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		s = s[:i]
	}
	runes := []rune(s)
	if len(runes) > 60 {
		return string(runes[:60])
	}
	return s
}
