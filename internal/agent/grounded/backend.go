// Package grounded is an in-process chat backend that answers only from a
// committed result set, asking for confirmation before any paid lookup.
package grounded

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"regexp"
	"sort"
	"strings"

	einocb "github.com/cloudwego/eino/callbacks"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"

	"github.com/marketscope/core/internal/agent/guided"
	"github.com/marketscope/core/internal/agent/model"
	errx "github.com/marketscope/core/internal/core/error"
	logx "github.com/marketscope/core/pkg/logger"
)

// ResultSource resolves a server run id to its committed result set.
type ResultSource interface {
	ResultFor(runID string) (*model.ResultSet, bool)
}

// LiveLookup fetches verified data for items. Every call costs credits.
type LiveLookup interface {
	LookupItems(ctx context.Context, runID string, itemIDs []string) ([]model.Item, error)
}

// Backend implements the chat endpoint contract locally.
type Backend struct {
	chatModel     einomodel.BaseChatModel
	modelName     string
	results       ResultSource
	repo          model.ConversationRepository
	lookup        LiveLookup
	creditPerItem float64
	maxTurns      int
}

func NewBackend(
	chatModel einomodel.BaseChatModel,
	results ResultSource,
	repo model.ConversationRepository,
	lookup LiveLookup,
	cfg model.GroundedConfig,
	convCfg model.ConversationConfig,
) *Backend {
	credit := cfg.CreditPerItem
	if credit <= 0 {
		credit = 1
	}
	return &Backend{
		chatModel:     chatModel,
		modelName:     cfg.Model,
		results:       results,
		repo:          repo,
		lookup:        lookup,
		creditPerItem: credit,
		maxTurns:      convCfg.MaxTurns,
	}
}

var (
	itemIDPattern = regexp.MustCompile(`\b[A-Z][A-Z0-9]{3,11}\b`)
	feeIntent     = regexp.MustCompile(`(?i)\b(fees?|profit(?:able|ability)?|margins?|break[\s-]?even|unit economics)\b`)
)

// Chat answers req. An escalation request is returned on its own, before
// any content and before any lookup.
func (b *Backend) Chat(ctx context.Context, req model.ChatRequest) (*schema.StreamReader[model.ChatEvent], error) {
	rs, ok := b.results.ResultFor(req.RunID)
	if !ok {
		return nil, errx.New(errx.ErrNoActiveRun, http.StatusNotFound, "unknown run")
	}

	if !req.EscalationConfirmed {
		if unknown := unknownIDs(req, rs); len(unknown) > 0 {
			logx.Info().Str("run_id", req.RunID).Strs("target_ids", unknown).Msg("question needs a verified lookup")
			return schema.StreamReaderFromArray([]model.ChatEvent{{Metadata: &model.Metadata{
				Type:       model.MetaEscalationConfirmationRequired,
				Message:    fmt.Sprintf("%s %s not in this analysis.", strings.Join(unknown, ", "), isAre(len(unknown))),
				TargetIDs:  unknown,
				CreditCost: b.creditPerItem * float64(len(unknown)),
			}}}), nil
		}
	}

	var prefix []model.ChatEvent
	var verified []model.Item
	if req.EscalationConfirmed && len(req.EscalationTargetIDs) > 0 {
		if b.lookup == nil {
			return nil, errx.New(errors.New("no live lookup configured"), http.StatusNotImplemented, "verified lookups are unavailable")
		}
		items, err := b.lookup.LookupItems(ctx, req.RunID, req.EscalationTargetIDs)
		if err != nil {
			return nil, fmt.Errorf("verified lookup: %w", err)
		}
		verified = items
		prefix = append(prefix, model.ChatEvent{Metadata: &model.Metadata{
			Type:    model.MetaEscalationMessage,
			Message: "Using verified data for " + strings.Join(req.EscalationTargetIDs, ", ") + ".",
		}})
	}

	if st := guided.ParseCostStatement(req.Message); !st.Empty() {
		md := &model.Metadata{Type: model.MetaCostOverrideApplied, Price: st.Price}
		if !st.Inputs.Empty() {
			in := st.Inputs
			md.Costs = &in
		}
		prefix = append(prefix, model.ChatEvent{Metadata: md})
	}
	if feeIntent.MatchString(req.Message) {
		prefix = append(prefix, model.ChatEvent{Metadata: &model.Metadata{Type: model.MetaGuidedIntentDetected, Intent: "fees"}})
	}

	obs := newObserver(req.RunID)
	messages, err := b.buildMessages(einocb.InitCallbacks(ctx, promptRunInfo, obs), req, rs, verified)
	if err != nil {
		return nil, err
	}

	out, err := b.chatModel.Stream(einocb.InitCallbacks(ctx, modelRunInfo, obs), messages)
	if err != nil {
		logx.Error().Err(err).Str("model", b.modelName).Msg("grounded model stream failed")
		return nil, errx.New(err, http.StatusBadGateway, errx.UpstreamErrorMessage)
	}

	sr, sw := schema.Pipe[model.ChatEvent](16)
	go b.relay(ctx, req, rs, verified, prefix, out, sw)
	return sr, nil
}

func (b *Backend) buildMessages(ctx context.Context, req model.ChatRequest, rs *model.ResultSet, verified []model.Item) ([]*schema.Message, error) {
	sys, err := RenderSystem(ctx, rs, req.SelectedIDs, verified)
	if err != nil {
		return nil, err
	}
	if err := b.repo.AddMessage(ctx, req.RunID, schema.UserMessage(req.Message)); err != nil {
		return nil, fmt.Errorf("save user message: %w", err)
	}
	history, err := b.repo.LoadHistory(ctx, req.RunID)
	if err != nil {
		return nil, fmt.Errorf("load history: %w", err)
	}
	messages := []*schema.Message{schema.SystemMessage(sys)}
	return append(messages, trimTail(history.Messages, b.maxTurns)...), nil
}

// relay forwards model output, then saves the answer and reports citations.
func (b *Backend) relay(
	ctx context.Context,
	req model.ChatRequest,
	rs *model.ResultSet,
	verified []model.Item,
	prefix []model.ChatEvent,
	out *schema.StreamReader[*schema.Message],
	sw *schema.StreamWriter[model.ChatEvent],
) {
	defer sw.Close()
	defer out.Close()

	for _, ev := range prefix {
		if sw.Send(ev, nil) {
			return
		}
	}

	var answer strings.Builder
	var usage *schema.TokenUsage
	for {
		chunk, err := out.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			logx.Error().Err(err).Str("run_id", req.RunID).Msg("grounded model stream broke")
			sw.Send(model.ChatEvent{}, fmt.Errorf("model stream: %w", err))
			return
		}
		if chunk == nil {
			continue
		}
		if chunk.ResponseMeta != nil && chunk.ResponseMeta.Usage != nil {
			usage = chunk.ResponseMeta.Usage
		}
		if chunk.Content == "" {
			continue
		}
		answer.WriteString(chunk.Content)
		if sw.Send(model.ChatEvent{Content: chunk.Content}, nil) {
			return
		}
	}

	text := answer.String()
	if err := b.repo.AddMessage(ctx, req.RunID, schema.AssistantMessage(text, nil)); err != nil {
		logx.Warn().Err(err).Str("run_id", req.RunID).Msg("failed to save assistant message")
	}
	b.logUsage(req.RunID, usage)

	if cites := citations(text, req, rs, verified); len(cites) > 0 {
		sw.Send(model.ChatEvent{Metadata: &model.Metadata{Type: model.MetaCitations, Citations: cites}}, nil)
	}
}

func (b *Backend) logUsage(runID string, usage *schema.TokenUsage) {
	if usage == nil {
		return
	}
	cost := model.ComputeCost(b.modelName, usage, model.ResolvePricing(b.modelName))
	logx.Debug().
		Str("run_id", runID).
		Str("model", cost.Model).
		Int("prompt_tokens", cost.PromptTokens).
		Int("completion_tokens", cost.CompletionTokens).
		Float64("input_cost_usd", cost.InputCost).
		Float64("output_cost_usd", cost.OutputCost).
		Float64("total_cost_usd", cost.Total).
		Msg("LLM usage")
}

// unknownIDs lists product ids named in the question or the selection that
// the result set does not contain.
func unknownIDs(req model.ChatRequest, rs *model.ResultSet) []string {
	known := map[string]bool{}
	for _, it := range rs.AllItems() {
		known[it.ID] = true
	}
	seen := map[string]bool{}
	var out []string
	add := func(id string) {
		if known[id] || seen[id] || !strings.ContainsAny(id, "0123456789") {
			return
		}
		seen[id] = true
		out = append(out, id)
	}
	for _, id := range itemIDPattern.FindAllString(req.Message, -1) {
		add(id)
	}
	for _, id := range req.SelectedIDs {
		add(id)
	}
	sort.Strings(out)
	return out
}

// citations tags every item the answer mentions, plus the selection.
func citations(answer string, req model.ChatRequest, rs *model.ResultSet, verified []model.Item) []model.Citation {
	tags := map[string]model.Provenance{}
	for _, it := range rs.AllItems() {
		if strings.Contains(answer, it.ID) {
			tags[it.ID] = model.ProvenanceCachedEstimate
		}
	}
	for _, id := range req.SelectedIDs {
		if _, ok := rs.Item(id); ok {
			tags[id] = model.ProvenanceCachedEstimate
		}
	}
	for _, it := range verified {
		tags[it.ID] = model.ProvenanceVerifiedLookup
	}
	ids := make([]string, 0, len(tags))
	for id := range tags {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	out := make([]model.Citation, len(ids))
	for i, id := range ids {
		out[i] = model.Citation{ItemID: id, Provenance: tags[id]}
	}
	return out
}

func trimTail(messages []*schema.Message, maxTurns int) []*schema.Message {
	if maxTurns <= 0 || len(messages) <= maxTurns {
		return append([]*schema.Message(nil), messages...)
	}
	return append([]*schema.Message(nil), messages[len(messages)-maxTurns:]...)
}

func isAre(n int) string {
	if n == 1 {
		return "is"
	}
	return "are"
}
