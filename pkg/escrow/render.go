package escrow

import (
	"fmt"
	"sort"
	"strings"

	"github.com/charmbracelet/glamour"
	"github.com/pkg/errors"
	"github.com/samber/lo"
)

// Markdown renders the snapshot as a markdown document: a summary, the
// transaction table and, per transaction, its delivery timeline and dispute.
func Markdown(s Snapshot) string {
	var b strings.Builder
	b.WriteString("# Escrow dashboard\n\n")
	if len(s.Transactions) == 0 {
		b.WriteString("_No escrow transactions._\n")
		return b.String()
	}

	statuses := lo.Keys(s.Summary.StatusCounts)
	sort.Slice(statuses, func(i, j int) bool { return statuses[i] < statuses[j] })
	parts := lo.Map(statuses, func(st TransactionStatus, _ int) string {
		return fmt.Sprintf("%s: %d", st, s.Summary.StatusCounts[st])
	})
	fmt.Fprintf(&b, "%d transactions (%s), %d disputed.\n\n", len(s.Transactions), strings.Join(parts, ", "), s.Summary.DisputeCount)

	b.WriteString("| Transaction | Order | Amount | Status | Release |\n")
	b.WriteString("|---|---|---|---|---|\n")
	for _, t := range s.Transactions {
		fmt.Fprintf(&b, "| %s | %s | %.2f %s | %s | %s |\n",
			cell(t.ID), cell(t.OrderID), t.Amount, cell(t.Currency), cell(string(t.Status)), cell(t.ReleaseDate))
	}

	for _, t := range s.Transactions {
		fmt.Fprintf(&b, "\n## %s\n\n", t.ID)
		if t.BuyerName != "" || t.SellerName != "" {
			fmt.Fprintf(&b, "%s → %s\n\n", lo.CoalesceOrEmpty(t.BuyerName, "?"), lo.CoalesceOrEmpty(t.SellerName, "?"))
		}
		steps := s.Timelines[t.ID]
		if len(steps) == 0 {
			b.WriteString("No delivery updates yet.\n")
		}
		for _, step := range steps {
			fmt.Fprintf(&b, "- **%s** at %s", step.Status, lo.CoalesceOrEmpty(step.Location, "unknown location"))
			if !step.Timestamp.IsZero() {
				fmt.Fprintf(&b, " (%s)", step.Timestamp.Format("2006-01-02 15:04"))
			}
			b.WriteString("\n")
		}
		if d, ok := s.Disputes[t.ID]; ok {
			fmt.Fprintf(&b, "\n> Dispute %s: %s\n", lo.CoalesceOrEmpty(d.Status, "open"), lo.CoalesceOrEmpty(d.Reason, t.DisputeReason))
			if d.Resolution != "" {
				fmt.Fprintf(&b, ">\n> Resolution: %s\n", d.Resolution)
			}
		} else if t.Disputed() && t.DisputeReason != "" {
			fmt.Fprintf(&b, "\n> Dispute: %s\n", t.DisputeReason)
		}
	}
	return b.String()
}

func cell(s string) string {
	if s == "" {
		return "-"
	}
	return strings.ReplaceAll(s, "|", `\|`)
}

// Render styles markdown for a terminal of the given width.
func Render(md string, width int) (string, error) {
	opts := []glamour.TermRendererOption{glamour.WithAutoStyle()}
	if width > 0 {
		opts = append(opts, glamour.WithWordWrap(width))
	}
	r, err := glamour.NewTermRenderer(opts...)
	if err != nil {
		return "", errors.Wrap(err, "create markdown renderer")
	}
	out, err := r.Render(md)
	if err != nil {
		return "", errors.Wrap(err, "render markdown")
	}
	return out, nil
}
