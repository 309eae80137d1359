package correct

import (
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/noot-app/nutricorrect/internal/types"
)

// Result ties a correction to the position of its ingredient in the batch
type Result struct {
	Index      int              `json:"index"`
	Correction types.Correction `json:"correction"`
}

// Report summarizes one pass of the rules over an ingredient batch
type Report struct {
	BatchID   string        `json:"batch_id"`
	Inspected int           `json:"inspected"`
	Corrected int           `json:"corrected"`
	Skipped   int           `json:"skipped"`
	Results   []Result      `json:"results"`
	Duration  time.Duration `json:"-"`
}

// Corrections returns the corrections in batch order
func (r *Report) Corrections() []types.Correction {
	corrections := make([]types.Correction, 0, len(r.Results))
	for _, res := range r.Results {
		corrections = append(corrections, res.Correction)
	}
	return corrections
}

// Run applies the rules to every ingredient of a batch and records where each
// correction belongs. Nameless ingredients are skipped without aborting the batch.
func (e *Engine) Run(ingredients []types.Ingredient) *Report {
	start := time.Now()
	report := &Report{
		BatchID: uuid.NewString(),
		Results: []Result{},
	}

	for idx, ing := range ingredients {
		if strings.TrimSpace(ing.Name) == "" {
			e.log.Debug("Skipping ingredient without a name", "batch_id", report.BatchID, "index", idx)
			report.Skipped++
			continue
		}
		report.Inspected++

		c, ok := e.Correct(ing)
		if !ok {
			continue
		}

		e.log.Debug("Ingredient corrected",
			"batch_id", report.BatchID,
			"index", idx,
			"name", ing.Name,
			"fields", c.Fields())
		report.Results = append(report.Results, Result{Index: idx, Correction: c})
	}

	report.Corrected = len(report.Results)
	report.Duration = time.Since(start)

	e.log.Debug("Deterministic rules applied",
		"batch_id", report.BatchID,
		"inspected", report.Inspected,
		"corrected", report.Corrected,
		"skipped", report.Skipped,
		"duration", report.Duration)
	return report
}
