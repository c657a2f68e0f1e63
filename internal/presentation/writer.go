package presentation

import (
	"context"
	"encoding/json"
	"fmt"
)

// Writer serializes a manifest into the binary deck artifact attached to
// the report email.
type Writer interface {
	Render(ctx context.Context, m Manifest) ([]byte, error)
}

// DeckWriter emits the deterministic deck byte stream the downstream
// presentation renderer consumes: a versioned envelope around the manifest.
type DeckWriter struct{}

func NewDeckWriter() *DeckWriter {
	return &DeckWriter{}
}

type deckEnvelope struct {
	Format   string   `json:"format"`
	Version  int      `json:"version"`
	Manifest Manifest `json:"manifest"`
}

func (w *DeckWriter) Render(_ context.Context, m Manifest) ([]byte, error) {
	if len(m.Slides) == 0 {
		return nil, fmt.Errorf("manifest has no slides")
	}
	b, err := json.Marshal(deckEnvelope{Format: "deck", Version: 1, Manifest: m})
	if err != nil {
		return nil, fmt.Errorf("encode deck: %w", err)
	}
	return b, nil
}
