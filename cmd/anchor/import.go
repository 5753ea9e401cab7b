package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/herbtrace/anchor/pkg/types"
)

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Record a batch of collection events from a YAML file",
	Long: `Record collection events from a YAML file and queue each for anchoring.

Example file:

  device: field-kit-03
  collector: C-117
  events:
    - id: 2f6c0a1e-batch-1
      species: Bacopa monnieri
      latitude: 10.52
      longitude: 76.21
      collectedAt: 2026-05-14T06:40:00Z
      moisture: 11.5`,
	RunE: runImport,
}

func init() {
	importCmd.Flags().StringP("file", "f", "", "YAML file with events (required)")
	_ = importCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(importCmd)
}

// eventBatch is the YAML document accepted by anchor import
type eventBatch struct {
	Device    string       `yaml:"device"`
	Collector string       `yaml:"collector"`
	Events    []batchEvent `yaml:"events"`
}

type batchEvent struct {
	ID          string    `yaml:"id"`
	Species     string    `yaml:"species"`
	Latitude    float64   `yaml:"latitude"`
	Longitude   float64   `yaml:"longitude"`
	CollectedAt time.Time `yaml:"collectedAt"`
	Moisture    *float64  `yaml:"moisture"`
	PhotoHash   *string   `yaml:"photoHash"`
	Notes       string    `yaml:"notes"`
}

func (b eventBatch) toEvents() []*types.CollectionEvent {
	out := make([]*types.CollectionEvent, 0, len(b.Events))
	for _, e := range b.Events {
		out = append(out, &types.CollectionEvent{
			ID:          e.ID,
			Species:     e.Species,
			Latitude:    e.Latitude,
			Longitude:   e.Longitude,
			CollectedAt: e.CollectedAt,
			Moisture:    e.Moisture,
			PhotoHash:   e.PhotoHash,
			Notes:       e.Notes,
			Provenance: types.Provenance{
				Source:      types.SourceBatch,
				Device:      b.Device,
				CollectorID: b.Collector,
			},
		})
	}
	return out
}

func parseBatch(data []byte) (eventBatch, error) {
	var batch eventBatch
	if err := yaml.Unmarshal(data, &batch); err != nil {
		return eventBatch{}, fmt.Errorf("failed to parse YAML: %w", err)
	}
	if len(batch.Events) == 0 {
		return eventBatch{}, fmt.Errorf("no events in file")
	}
	return batch, nil
}

func runImport(cmd *cobra.Command, args []string) error {
	filename, _ := cmd.Flags().GetString("file")

	data, err := os.ReadFile(filename)
	if err != nil {
		return fmt.Errorf("failed to read file: %w", err)
	}
	batch, err := parseBatch(data)
	if err != nil {
		return err
	}

	c := newClient(cmd)
	var failed int
	for _, event := range batch.toEvents() {
		resp, err := c.CreateEvent(cmd.Context(), event)
		if err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "✗ %s: %v\n", event.ID, err)
			continue
		}
		fmt.Printf("✓ %s queued as %s\n", resp.Event.ID, resp.Job.ID)
	}

	if failed > 0 {
		return fmt.Errorf("%d of %d events were rejected", failed, len(batch.Events))
	}
	return nil
}
