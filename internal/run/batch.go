package run

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/rere-dev/aspagent/internal/log"
	"github.com/rere-dev/aspagent/internal/types"
)

// Notifier receives the batch summary. The notify package implements it;
// a nil notifier disables notification.
type Notifier interface {
	Notify(ctx context.Context, summary string) error
}

// RunAll scrapes the named ASPs sequentially (all stored ASPs when names
// is empty), pausing between runs so the portals see a human-ish cadence.
// A failing ASP never stops the batch.
func (c *Controller) RunAll(ctx context.Context, names []string, target types.TargetTable, notifier Notifier) ([]Result, error) {
	logger := log.LoggerFromContext(ctx)

	if len(names) == 0 {
		asps, err := c.Store.ListASPs(ctx)
		if err != nil {
			return nil, err
		}
		for _, a := range asps {
			names = append(names, a.Name)
		}
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("no asps to run")
	}

	var results []Result
	for i, name := range names {
		if i > 0 && c.Config.InterRunWaitMS > 0 {
			c.sleep(time.Duration(c.Config.InterRunWaitMS) * time.Millisecond)
		}
		result := c.Run(ctx, name, target)
		results = append(results, result)
		logger.Info("run finished",
			slog.String("asp", name),
			slog.String("status", string(result.Status)),
			slog.Int("records", result.RecordsSaved),
			slog.Int("attempts", result.Attempts))
	}

	if notifier != nil {
		if err := notifier.Notify(ctx, SummaryText(results)); err != nil {
			logger.Warn("failed to send notification", slog.String("error", err.Error()))
		}
	}
	return results, nil
}

// WriteSummary renders the per-ASP outcome table.
func WriteSummary(w io.Writer, results []Result) {
	table := tablewriter.NewWriter(w)
	table.Header([]string{"ASP", "Target", "Status", "Records", "Attempts", "Error"})

	totalRecords := 0
	failed := 0
	for _, r := range results {
		errMsg := ""
		if r.Err != nil {
			errMsg = r.ErrorType
		}
		table.Append([]string{
			r.ASPName,
			string(r.Target),
			string(r.Status),
			strconv.Itoa(r.RecordsSaved),
			strconv.Itoa(r.Attempts),
			errMsg,
		})
		totalRecords += r.RecordsSaved
		if r.Status == types.RunStatusFailed {
			failed++
		}
	}
	table.Footer([]string{"total", "", fmt.Sprintf("%d failed", failed),
		strconv.Itoa(totalRecords), "", ""})
	table.Render()
}

// SummaryText is the compact one-line-per-ASP form sent to the webhook.
func SummaryText(results []Result) string {
	var b strings.Builder
	ok := 0
	for _, r := range results {
		if r.Status == types.RunStatusSuccess {
			ok++
		}
	}
	fmt.Fprintf(&b, "ASP収集結果: %d/%d 成功\n", ok, len(results))
	for _, r := range results {
		fmt.Fprintf(&b, "- %s (%s): %s, %d件", r.ASPName, r.Target, r.Status, r.RecordsSaved)
		if r.Err != nil {
			fmt.Fprintf(&b, " [%s]", r.ErrorType)
		}
		b.WriteString("\n")
	}
	return b.String()
}
