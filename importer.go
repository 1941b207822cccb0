package ptnotes

import (
	"github.com/rs/zerolog/log"
)

// Outcome of importing one document. Callers report the three cases
// separately, so a skipped duplicate never reads as a failure.
type Outcome string

const (
	OutcomeAbsorbed  Outcome = "absorbed"
	OutcomeDuplicate Outcome = "duplicate"
	OutcomeFailed    Outcome = "failed"
)

// ImportReport describes what happened to one uploaded document.
type ImportReport struct {
	Filename string  `json:"filename"`
	Outcome  Outcome `json:"outcome"`
	Findings int     `json:"findings"`
	Skipped  int     `json:"skipped"`
	Reason   string  `json:"reason,omitempty"`
}

func failedReport(filename string, err error) ImportReport {
	return ImportReport{
		Filename: filename,
		Outcome:  OutcomeFailed,
		Reason:   err.Error(),
	}
}

// Importer absorbs scanner documents into one project's store.
type Importer struct {
	store  *scanRepo
	parser Parser
}

func NewImporter(store *scanRepo) *Importer {
	return &Importer{store: store, parser: NewParser()}
}

// ImportDocument runs the ledger gate, the parser and the upserts
// for a single document. Duplicates short-circuit before parsing.
//
// The ledger entry is written before parsing and is not rolled back
// on failure: a document that failed wholesale stays marked as seen
// until the caller clears it (see ClearLedger).
func (im *Importer) ImportDocument(raw []byte, filename string) ImportReport {
	fresh, err := im.store.RecordImport(filename)
	if err != nil {
		return failedReport(filename, err)
	}
	if !fresh {
		log.Debug().Str("file", filename).Msg("document already absorbed")
		return ImportReport{Filename: filename, Outcome: OutcomeDuplicate}
	}

	res, err := im.parser.Parse(raw)
	if err != nil {
		log.Warn().Err(err).Str("file", filename).Msg("document unreadable")
		return failedReport(filename, err)
	}

	for _, f := range res.Findings {
		if _, err := im.store.UpsertHost(f.IP); err != nil {
			return failedReport(filename, err)
		}
		if _, err := im.store.UpsertItem(f); err != nil {
			return failedReport(filename, err)
		}
	}

	for _, skip := range res.Skipped {
		log.Warn().Err(skip).Str("file", filename).Msg("skipped record")
	}
	log.Info().
		Str("file", filename).
		Int("findings", len(res.Findings)).
		Int("skipped", len(res.Skipped)).
		Msg("document absorbed")

	return ImportReport{
		Filename: filename,
		Outcome:  OutcomeAbsorbed,
		Findings: len(res.Findings),
		Skipped:  len(res.Skipped),
	}
}

// ClearLedger forgets a filename so its document can be absorbed
// again. Used by the force flags.
func (im *Importer) ClearLedger(filename string) error {
	return im.store.ClearImport(filename)
}
