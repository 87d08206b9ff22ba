// Package report assembles the dashboard view of a sync: KPIs, revenue by
// hour and day, and the product leaderboard.
package report

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/tejusbharadwaj/posterflow/internal/aggregate"
	"github.com/tejusbharadwaj/posterflow/internal/api"
	"github.com/tejusbharadwaj/posterflow/internal/database"
	"github.com/tejusbharadwaj/posterflow/internal/etl"
	"github.com/tejusbharadwaj/posterflow/internal/flatten"
	"github.com/tejusbharadwaj/posterflow/internal/models"
)

const (
	SourceRun  = "run"
	SourceSink = "sink"
)

// TransactionMoneyFields are the transaction-level amounts Poster reports
// in minor units.
var TransactionMoneyFields = []string{"payed_sum", "sum", "payed_cash", "payed_card", "payed_bonus", "tip_sum"}

type Report struct {
	Source      string                  `json:"source"`
	RunID       string                  `json:"run_id,omitempty"`
	From        string                  `json:"from,omitempty"`
	To          string                  `json:"to,omitempty"`
	KPI         aggregate.KPI           `json:"kpi"`
	Hourly      []aggregate.Bucket      `json:"hourly"`
	Daily       []aggregate.Bucket      `json:"daily"`
	TopProducts []aggregate.ProductStat `json:"top_products"`
	Warnings    []string                `json:"warnings,omitempty"`
}

type Builder struct {
	agg  *aggregate.Aggregator
	topN int
}

func NewBuilder(agg *aggregate.Aggregator, topN int) *Builder {
	if topN <= 0 {
		topN = aggregate.DefaultTopN
	}
	return &Builder{agg: agg, topN: topN}
}

// TopN returns the default leaderboard size.
func (b *Builder) TopN() int {
	return b.topN
}

// Build reports on the transactions held by a run handle. topN overrides
// the builder default when positive.
func (b *Builder) Build(run *etl.Run, topN int) *Report {
	rep := b.build(run.Transactions, run.Items, topN)
	rep.Source = SourceRun
	rep.RunID = run.ID
	rep.From, rep.To = run.From, run.To

	if out, ok := run.Outcome(etl.EntityTransactions); ok && !out.OK() {
		rep.Warnings = append(rep.Warnings, describe(out))
	}
	return rep
}

// FromSink reports on the stored transactions within window, decoding the
// sink's text cells first. A sink that holds no transactions yields an
// empty report.
func (b *Builder) FromSink(ctx context.Context, sink database.Sink, window api.Window, topN int) (*Report, error) {
	txTable, err := sink.Read(ctx, "transactions")
	if err != nil && !errors.Is(err, database.ErrTableNotFound) {
		return nil, fmt.Errorf("failed to read transactions: %w", err)
	}
	transactions := b.inWindow(database.RecordsFromTable(txTable), window)

	var items []models.FlatRow
	var warnings []string
	itemTable, err := sink.Read(ctx, etl.TableTransactionItems)
	switch {
	case errors.Is(err, database.ErrTableNotFound):
		if len(transactions) > 0 {
			warnings = append(warnings, "no stored line items, using nested products")
		}
	case err != nil:
		return nil, fmt.Errorf("failed to read %s: %w", etl.TableTransactionItems, err)
	default:
		for _, rec := range b.inWindow(database.RecordsFromTable(itemTable), window) {
			items = append(items, models.FlatRow(rec))
		}
	}

	rep := b.build(transactions, items, topN)
	rep.Source = SourceSink
	rep.Warnings = warnings
	if !window.IsZero() {
		rep.From = window.From.Format("2006-01-02")
		rep.To = window.To.Format("2006-01-02")
	}
	return rep, nil
}

func (b *Builder) build(transactions []models.Record, items []models.FlatRow, topN int) *Report {
	if topN <= 0 {
		topN = b.topN
	}

	prepared := flatten.ConvertMoney(transactions, TransactionMoneyFields...)
	rep := &Report{
		KPI:    b.agg.KPI(prepared, revenueField(prepared), "transaction_id"),
		Hourly: b.agg.HourlyRevenue(prepared),
		Daily:  b.agg.DailyRevenue(prepared),
	}

	if len(items) > 0 {
		rep.TopProducts = b.agg.TopProducts(items, topN)
	} else {
		rep.TopProducts = b.agg.TopProductsFromRecords(transactions, etl.TransactionItems.NestedField, topN)
	}
	return rep
}

// inWindow keeps records whose date_close falls on a day of window. Records
// without a parseable close time are kept only for an open window.
func (b *Builder) inWindow(records []models.Record, window api.Window) []models.Record {
	if window.IsZero() {
		return records
	}

	loc := b.agg.Location()
	from := time.Date(window.From.Year(), window.From.Month(), window.From.Day(), 0, 0, 0, 0, loc)
	to := time.Date(window.To.Year(), window.To.Month(), window.To.Day(), 0, 0, 0, 0, loc).AddDate(0, 0, 1)

	out := make([]models.Record, 0, len(records))
	for _, rec := range records {
		ts, ok := aggregate.ParseTimestamp(rec["date_close"], loc)
		if !ok || ts.Before(from) || !ts.Before(to) {
			continue
		}
		out = append(out, rec)
	}
	return out
}

// revenueField prefers payed_sum and falls back to sum when no record has it.
func revenueField(records []models.Record) string {
	for _, rec := range records {
		if _, ok := rec["payed_sum"]; ok {
			return "payed_sum"
		}
	}
	return "sum"
}

func describe(o etl.Outcome) string {
	msg := fmt.Sprintf("%s fetch %s after %d records", o.Entity, o.Status, o.Fetched)
	if o.FetchError != "" {
		msg += ": " + o.FetchError
	}
	if o.WriteError != "" {
		msg += "; write failed: " + o.WriteError
	}
	return msg
}
