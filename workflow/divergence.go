package workflow

import (
	"sort"
	"strings"

	"bitbucket.org/mmdatafocus/clearance_backend/models"
	"github.com/shopspring/decimal"
)

// RowDifference is one key whose row differs between the two snapshots.
// Original or Submitted is nil when the key exists on one side only.
type RowDifference struct {
	Key       string              `json:"key"`
	Original  *models.SnapshotRow `json:"original,omitempty"`
	Submitted *models.SnapshotRow `json:"submitted,omitempty"`
	Delta     decimal.Decimal     `json:"delta"`
}

type DivergenceResult struct {
	Identical      bool            `json:"identical"`
	Differences    []RowDifference `json:"differences"`
	TotalDelta     decimal.Decimal `json:"total_delta"`
	OriginalTotal  decimal.Decimal `json:"original_total"`
	SubmittedTotal decimal.Decimal `json:"submitted_total"`
}

// IsMaterial reports a non-zero amount difference. Such a submission is reversed.
func (r DivergenceResult) IsMaterial() bool {
	return r.TotalDelta.IsPositive()
}

// Compare diffs two reconciliation datasets row by row on Key. Rows sharing a
// key on the same side are summed first, so the comparison is independent of
// row order. The result is symmetric: swapping the arguments swaps the sides of
// each difference but keeps keys and deltas.
func Compare(original, submitted models.Snapshot) DivergenceResult {
	orig := aggregateRows(original.Rows)
	sub := aggregateRows(submitted.Rows)

	keys := make([]string, 0, len(orig)+len(sub))
	for k := range orig {
		keys = append(keys, k)
	}
	for k := range sub {
		if _, ok := orig[k]; !ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	res := DivergenceResult{
		TotalDelta:     decimal.Zero,
		OriginalTotal:  original.Total(),
		SubmittedTotal: submitted.Total(),
	}
	for _, k := range keys {
		o, inOrig := orig[k]
		s, inSub := sub[k]
		switch {
		case inOrig && inSub:
			if o.Amount.Equal(s.Amount) && o.Quantity.Equal(s.Quantity) {
				continue
			}
			res.Differences = append(res.Differences, RowDifference{
				Key: k, Original: o, Submitted: s,
				Delta: s.Amount.Sub(o.Amount).Abs(),
			})
		case inOrig:
			res.Differences = append(res.Differences, RowDifference{Key: k, Original: o, Delta: o.Amount.Abs()})
		default:
			res.Differences = append(res.Differences, RowDifference{Key: k, Submitted: s, Delta: s.Amount.Abs()})
		}
	}
	for _, d := range res.Differences {
		res.TotalDelta = res.TotalDelta.Add(d.Delta)
	}
	res.Identical = len(res.Differences) == 0
	return res
}

func aggregateRows(rows []models.SnapshotRow) map[string]*models.SnapshotRow {
	out := make(map[string]*models.SnapshotRow, len(rows))
	for _, r := range rows {
		key := strings.TrimSpace(r.Key)
		if cur, ok := out[key]; ok {
			cur.Amount = cur.Amount.Add(r.Amount)
			cur.Quantity = cur.Quantity.Add(r.Quantity)
			if cur.Label == "" {
				cur.Label = r.Label
			}
			continue
		}
		row := r
		row.Key = key
		out[key] = &row
	}
	return out
}
