package record

import (
	"bytes"
	"encoding/json"
)

type OutcomeKind string

const (
	OutcomeSuccess OutcomeKind = "success"
	OutcomeSkipped OutcomeKind = "skipped"
	OutcomeFailed  OutcomeKind = "failed"
)

// ErrorKind classifies a failed record.
type ErrorKind string

const (
	ErrorExternalService ErrorKind = "external_service_error"
	ErrorInternal        ErrorKind = "internal_error"
	ErrorSessionExpired  ErrorKind = "session_expired"
)

// Outcome is the terminal result for one input record. Exactly one exists per
// OriginalIndex once the record is finalized.
type Outcome struct {
	Index      int               `json:"index"`
	Kind       OutcomeKind       `json:"kind"`
	Extraction *ExtractionResult `json:"extraction,omitempty"`
	Search     *SearchResult     `json:"search,omitempty"`
	Pricing    *PricingResult    `json:"pricing,omitempty"`
	Reason     string            `json:"reason,omitempty"`
	ErrorKind  ErrorKind         `json:"error_kind,omitempty"`
	Detail     string            `json:"detail,omitempty"`
}

// Success builds a successful outcome. pricing is nil when the search found nothing.
func Success(index int, ext ExtractionResult, search SearchResult, pricing *PricingResult) Outcome {
	return Outcome{
		Index:      index,
		Kind:       OutcomeSuccess,
		Extraction: &ext,
		Search:     &search,
		Pricing:    pricing,
	}
}

func Skipped(index int, reason string) Outcome {
	return Outcome{Index: index, Kind: OutcomeSkipped, Reason: reason}
}

// Failed builds a failed outcome. ext may be nil when the failure happened
// before extraction finished.
func Failed(index int, kind ErrorKind, detail string, ext *ExtractionResult) Outcome {
	return Outcome{
		Index:      index,
		Kind:       OutcomeFailed,
		Extraction: ext,
		ErrorKind:  kind,
		Detail:     detail,
	}
}

// Equal compares two outcomes by their canonical encoding.
func (o Outcome) Equal(other Outcome) bool {
	a, errA := json.Marshal(o)
	b, errB := json.Marshal(other)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(a, b)
}
