package main

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/herbtrace/anchor/pkg/types"
)

func TestParseBatch(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    int
		wantErr bool
	}{
		{
			name: "two events",
			input: `
device: field-kit-03
collector: C-117
events:
  - id: b1
    species: Bacopa monnieri
    latitude: 10.52
    longitude: 76.21
    collectedAt: 2026-05-14T06:40:00Z
    moisture: 11.5
  - id: b2
    species: Centella asiatica
    latitude: 10.6
    longitude: 76.3
    collectedAt: 2026-05-14T07:10:00Z
`,
			want: 2,
		},
		{name: "no events", input: "device: x\n", wantErr: true},
		{name: "invalid yaml", input: "events: [", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			batch, err := parseBatch([]byte(tt.input))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Len(t, batch.Events, tt.want)
		})
	}
}

func TestBatchToEvents(t *testing.T) {
	moisture := 11.5
	batch := eventBatch{
		Device:    "field-kit-03",
		Collector: "C-117",
		Events: []batchEvent{{
			ID:          "b1",
			Species:     "Bacopa monnieri",
			Latitude:    10.52,
			Longitude:   76.21,
			CollectedAt: time.Date(2026, 5, 14, 6, 40, 0, 0, time.UTC),
			Moisture:    &moisture,
		}},
	}

	events := batch.toEvents()
	require.Len(t, events, 1)
	e := events[0]
	assert.Equal(t, "b1", e.ID)
	assert.Equal(t, types.SourceBatch, e.Provenance.Source)
	assert.Equal(t, "field-kit-03", e.Provenance.Device)
	assert.Equal(t, "C-117", e.Provenance.CollectorID)
	require.NotNil(t, e.Moisture)
	assert.Equal(t, 11.5, *e.Moisture)
}
