// Package report aggregates a stamped record stream into decision counts,
// per-rule denials and chargeback hit/miss figures.
package report

import (
	"fmt"
	"io"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/opensource-finance/kestrel/internal/domain"
	"github.com/opensource-finance/kestrel/internal/rules"
)

// Confusion counts decisions against the chargeback ground truth.
type Confusion struct {
	LegitApproved int `json:"legitApproved"`
	CBKDenied     int `json:"cbkDenied"`
	CBKApproved   int `json:"cbkApproved"`
	LegitDenied   int `json:"legitDenied"`
}

// Precision is the share of denials that carried a chargeback.
func (c Confusion) Precision() float64 {
	return ratio(c.CBKDenied, c.CBKDenied+c.LegitDenied)
}

// Recall is the share of chargebacks that were denied.
func (c Confusion) Recall() float64 {
	return ratio(c.CBKDenied, c.CBKDenied+c.CBKApproved)
}

// F1 is the harmonic mean of precision and recall.
func (c Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

// Accuracy is the share of correct decisions.
func (c Confusion) Accuracy() float64 {
	total := c.LegitApproved + c.CBKDenied + c.CBKApproved + c.LegitDenied
	return ratio(c.LegitApproved+c.CBKDenied, total)
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

// RuleStats holds the denials attributed to one rule.
type RuleStats struct {
	DenyCase int    `json:"denyCase"`
	Name     string `json:"name"`
	Denied   int    `json:"denied"`
	Legit    int    `json:"legit"`
	CBK      int    `json:"cbk"`
}

// MissStats splits approved chargebacks by whether the record was the
// user's first transaction in the stream.
type MissStats struct {
	FirstTransaction int `json:"firstTransaction"`
	ReturningUser    int `json:"returningUser"`
}

// Report is the aggregate view of a stamped stream.
type Report struct {
	Filter      string `json:"filter,omitempty"`
	Total       int    `json:"total"`
	Approved    int    `json:"approved"`
	Denied      int    `json:"denied"`
	Chargebacks int    `json:"chargebacks"`

	PerRule   []RuleStats `json:"perRule"`
	Confusion Confusion   `json:"confusion"`
	Misses    MissStats   `json:"misses"`

	Precision float64 `json:"precision"`
	Recall    float64 `json:"recall"`
	F1        float64 `json:"f1"`
	Accuracy  float64 `json:"accuracy"`
}

// Build aggregates records, restricted to those matching filter (nil for
// all). records must be the whole run in replay order so that first
// transactions are identified against the full stream.
func Build(records []domain.Record, filter *Filter) (*Report, error) {
	firstSeen := firstTransactionDates(records)

	rep := &Report{}
	if filter != nil {
		rep.Filter = filter.String()
	}
	perRule := make(map[int]*RuleStats)

	for i := range records {
		rec := &records[i]
		ok, err := filter.Match(rec)
		if err != nil {
			return nil, err
		}
		if !ok {
			continue
		}

		rep.Total++
		if rec.HasCBK {
			rep.Chargebacks++
		}

		if rec.DenyCase == domain.CaseApproved {
			rep.Approved++
			if rec.HasCBK {
				rep.Confusion.CBKApproved++
				if rec.TransactionDate.Equal(firstSeen[rec.UserID]) {
					rep.Misses.FirstTransaction++
				} else {
					rep.Misses.ReturningUser++
				}
			} else {
				rep.Confusion.LegitApproved++
			}
			continue
		}

		rep.Denied++
		stats, exists := perRule[rec.DenyCase]
		if !exists {
			stats = &RuleStats{DenyCase: rec.DenyCase, Name: rules.RuleName(rec.DenyCase)}
			perRule[rec.DenyCase] = stats
		}
		stats.Denied++
		if rec.HasCBK {
			stats.CBK++
			rep.Confusion.CBKDenied++
		} else {
			stats.Legit++
			rep.Confusion.LegitDenied++
		}
	}

	rep.PerRule = make([]RuleStats, 0, len(perRule))
	for _, s := range perRule {
		rep.PerRule = append(rep.PerRule, *s)
	}
	sort.Slice(rep.PerRule, func(i, j int) bool {
		return rep.PerRule[i].DenyCase < rep.PerRule[j].DenyCase
	})

	rep.Precision = rep.Confusion.Precision()
	rep.Recall = rep.Confusion.Recall()
	rep.F1 = rep.Confusion.F1()
	rep.Accuracy = rep.Confusion.Accuracy()
	return rep, nil
}

// Misses returns the approved records that carried a chargeback, in
// stream order.
func Misses(records []domain.Record, filter *Filter) ([]domain.Record, error) {
	var out []domain.Record
	for i := range records {
		rec := &records[i]
		if !rec.HasCBK || rec.DenyCase != domain.CaseApproved {
			continue
		}
		ok, err := filter.Match(rec)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func firstTransactionDates(records []domain.Record) map[int64]time.Time {
	first := make(map[int64]time.Time)
	for i := range records {
		rec := &records[i]
		if at, ok := first[rec.UserID]; !ok || rec.TransactionDate.Before(at) {
			first[rec.UserID] = rec.TransactionDate
		}
	}
	return first
}

// WriteText renders the report as aligned plain text.
func (r *Report) WriteText(w io.Writer) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)

	if r.Filter != "" {
		fmt.Fprintf(tw, "Filter:\t%s\n", r.Filter)
	}
	fmt.Fprintf(tw, "Transactions:\t%d\n", r.Total)
	fmt.Fprintf(tw, "Approved:\t%d\n", r.Approved)
	fmt.Fprintf(tw, "Denied:\t%d\n", r.Denied)
	fmt.Fprintf(tw, "With CBK:\t%d\n", r.Chargebacks)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Hits and misses")
	fmt.Fprintf(tw, "  Hit - legit approved:\t%d\n", r.Confusion.LegitApproved)
	fmt.Fprintf(tw, "  Hit - CBK denied:\t%d\n", r.Confusion.CBKDenied)
	fmt.Fprintf(tw, "  Miss - CBK approved:\t%d\n", r.Confusion.CBKApproved)
	fmt.Fprintf(tw, "  Miss - legit denied:\t%d\n", r.Confusion.LegitDenied)
	fmt.Fprintf(tw, "  Precision:\t%.4f\n", r.Precision)
	fmt.Fprintf(tw, "  Recall:\t%.4f\n", r.Recall)
	fmt.Fprintf(tw, "  F1:\t%.4f\n", r.F1)
	fmt.Fprintf(tw, "  Accuracy:\t%.4f\n", r.Accuracy)
	fmt.Fprintln(tw)

	fmt.Fprintln(tw, "Approved CBKs")
	fmt.Fprintf(tw, "  First transaction:\t%d\n", r.Misses.FirstTransaction)
	fmt.Fprintf(tw, "  Returning user:\t%d\n", r.Misses.ReturningUser)

	if len(r.PerRule) > 0 {
		fmt.Fprintln(tw)
		fmt.Fprintln(tw, "Case\tRule\tDenied\tLegit\tCBK")
		for _, s := range r.PerRule {
			fmt.Fprintf(tw, "%d\t%s\t%d\t%d\t%d\n", s.DenyCase, s.Name, s.Denied, s.Legit, s.CBK)
		}
	}

	return tw.Flush()
}
