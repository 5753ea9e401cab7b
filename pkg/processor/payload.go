package processor

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	serrors "github.com/herbtrace/anchor/pkg/errors"
	"github.com/herbtrace/anchor/pkg/types"
)

// Payload is the chaincode argument describing one collection event.
type Payload struct {
	EventID     string           `json:"eventId"`
	Species     string           `json:"species"`
	Latitude    float64          `json:"latitude"`
	Longitude   float64          `json:"longitude"`
	CollectedAt string           `json:"collectedAt"`
	Moisture    *float64         `json:"moisture,omitempty"`
	PhotoHash   *string          `json:"photoHash,omitempty"`
	Notes       string           `json:"notes,omitempty"`
	Provenance  types.Provenance `json:"provenance"`
	Flags       map[string]bool  `json:"flags,omitempty"`
}

// Validate checks an event before it is submitted.
func Validate(e *types.CollectionEvent) error {
	var problems []string
	if strings.TrimSpace(e.ID) == "" {
		problems = append(problems, "id is required")
	}
	if strings.TrimSpace(e.Species) == "" {
		problems = append(problems, "species is required")
	}
	if math.IsNaN(e.Latitude) || e.Latitude < -90 || e.Latitude > 90 {
		problems = append(problems, fmt.Sprintf("latitude %v out of range", e.Latitude))
	}
	if math.IsNaN(e.Longitude) || e.Longitude < -180 || e.Longitude > 180 {
		problems = append(problems, fmt.Sprintf("longitude %v out of range", e.Longitude))
	}
	if e.CollectedAt.IsZero() {
		problems = append(problems, "collection timestamp is required")
	}
	if e.Moisture != nil && (math.IsNaN(*e.Moisture) || *e.Moisture < 0 || *e.Moisture > 100) {
		problems = append(problems, fmt.Sprintf("moisture %v out of range", *e.Moisture))
	}
	switch e.Provenance.Source {
	case types.SourceAPI, types.SourceSMS, types.SourceBatch:
	default:
		problems = append(problems, fmt.Sprintf("unknown source %q", e.Provenance.Source))
	}

	if len(problems) > 0 {
		return serrors.Validation("validate", strings.Join(problems, "; "))
	}
	return nil
}

// BuildPayload validates e and returns the chaincode arguments: the event id
// followed by the JSON payload.
func BuildPayload(e *types.CollectionEvent) ([]string, error) {
	if err := Validate(e); err != nil {
		return nil, err
	}

	data, err := json.Marshal(Payload{
		EventID:     e.ID,
		Species:     e.Species,
		Latitude:    e.Latitude,
		Longitude:   e.Longitude,
		CollectedAt: e.CollectedAt.UTC().Format(time.RFC3339Nano),
		Moisture:    e.Moisture,
		PhotoHash:   e.PhotoHash,
		Notes:       e.Notes,
		Provenance:  e.Provenance,
		Flags:       e.Flags,
	})
	if err != nil {
		return nil, serrors.Validation("build payload", err.Error())
	}
	return []string{e.ID, string(data)}, nil
}
