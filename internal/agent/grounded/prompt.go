package grounded

import (
	"context"
	_ "embed"
	"fmt"
	"strings"

	"github.com/cloudwego/eino/components/prompt"
	"github.com/cloudwego/eino/schema"

	"github.com/marketscope/core/internal/agent/model"
)

//go:embed template/grounded_prompt.txt
var groundedSystemPrompt string

// RenderSystem renders the system prompt from the committed result set, the
// current selection and any verified items.
func RenderSystem(ctx context.Context, rs *model.ResultSet, selected []string, verified []model.Item) (string, error) {
	tpl := prompt.FromMessages(
		schema.GoTemplate,
		schema.SystemMessage(groundedSystemPrompt),
	)
	vars := map[string]any{
		"Query":    rs.Query,
		"Verdict":  verdictLine(rs.Decision),
		"Snapshot": snapshotLine(rs.Snapshot),
		"Items":    itemLines(rs.AllItems()),
		"Verified": itemLines(verified),
		"Selected": strings.Join(selected, ", "),
	}
	msgs, err := tpl.Format(ctx, vars)
	if err != nil {
		return "", fmt.Errorf("grounded prompt render: %w", err)
	}
	if len(msgs) == 0 || msgs[0] == nil {
		return "", fmt.Errorf("grounded prompt render: empty result")
	}
	return msgs[0].Content, nil
}

func verdictLine(d *model.Decision) string {
	if d == nil || d.Verdict == "" {
		return ""
	}
	line := d.Verdict
	if d.Score != 0 {
		line += fmt.Sprintf(" (score %.1f)", d.Score)
	}
	if len(d.Reasons) > 0 {
		line += ": " + strings.Join(d.Reasons, "; ")
	}
	return line
}

func snapshotLine(s *model.MarketSnapshot) string {
	if s == nil {
		return ""
	}
	var parts []string
	if s.AvgPrice > 0 {
		parts = append(parts, fmt.Sprintf("avg price $%.2f", s.AvgPrice))
	}
	if s.MedianPrice > 0 {
		parts = append(parts, fmt.Sprintf("median price $%.2f", s.MedianPrice))
	}
	if s.MedianReviews > 0 {
		parts = append(parts, fmt.Sprintf("median reviews %.0f", s.MedianReviews))
	}
	if s.SponsoredShare > 0 {
		parts = append(parts, fmt.Sprintf("sponsored %.0f%%", s.SponsoredShare*100))
	}
	if s.TopBrand != "" {
		parts = append(parts, fmt.Sprintf("top brand %s (%.0f%%)", s.TopBrand, s.TopBrandShare*100))
	}
	return strings.Join(parts, ", ")
}

func itemLines(items []model.Item) []string {
	out := make([]string, 0, len(items))
	for _, it := range items {
		var b strings.Builder
		fmt.Fprintf(&b, "[%s] %s", it.ID, it.Title)
		if it.Brand != "" {
			fmt.Fprintf(&b, " by %s", it.Brand)
		}
		if it.Price != nil {
			fmt.Fprintf(&b, "; price $%.2f", *it.Price)
		}
		if it.BSR > 0 {
			fmt.Fprintf(&b, "; BSR %d", it.BSR)
		}
		if it.Reviews > 0 {
			fmt.Fprintf(&b, "; %d reviews", it.Reviews)
		}
		if it.Rating > 0 {
			fmt.Fprintf(&b, " (%.1f stars)", it.Rating)
		}
		if it.EstUnitsSold > 0 {
			fmt.Fprintf(&b, "; ~%d units/month", it.EstUnitsSold)
		}
		if it.EstRevenue > 0 {
			fmt.Fprintf(&b, "; ~$%.0f revenue/month", it.EstRevenue)
		}
		if it.Sponsored {
			b.WriteString("; sponsored")
		}
		out = append(out, b.String())
	}
	return out
}
