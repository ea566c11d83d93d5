package audit

import (
	"archive/zip"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Mindburn-Labs/accord/pkg/relation"
)

var (
	// ErrNilRelationship is returned when no relationship is given.
	ErrNilRelationship = errors.New("audit: relationship must not be nil")
	// ErrEmptyChain is returned when the relationship has no events.
	ErrEmptyChain = errors.New("audit: relationship has no events")
	// ErrHeadMismatch is returned when the supplied events do not end at the
	// relationship's recorded chain head.
	ErrHeadMismatch = errors.New("audit: events do not end at the recorded chain head")
)

// Exporter builds evidence packs: self-contained archives of a
// relationship's full event chain, suitable for retention and third-party
// verification.
type Exporter struct {
	clock func() time.Time
}

// ExporterOption configures an Exporter.
type ExporterOption func(*Exporter)

// WithClock overrides the wall clock, for tests.
func WithClock(clock func() time.Time) ExporterOption {
	return func(e *Exporter) { e.clock = clock }
}

func NewExporter(opts ...ExporterOption) *Exporter {
	e := &Exporter{clock: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// GeneratePack creates a zip containing the event chain and a manifest, and
// returns the archive bytes together with their sha256 checksum. Events must
// be the relationship's complete chain in sequence order.
func (e *Exporter) GeneratePack(ctx context.Context, rel *relation.Relationship, events []relation.Event) ([]byte, string, error) {
	if rel == nil {
		return nil, "", ErrNilRelationship
	}
	if len(events) == 0 {
		return nil, "", ErrEmptyChain
	}
	if head := events[len(events)-1].Hash; head != rel.ChainHead {
		return nil, "", fmt.Errorf("%w: chain ends at %s, relationship records %s", ErrHeadMismatch, head, rel.ChainHead)
	}

	eventsJSON, err := json.MarshalIndent(events, "", "  ")
	if err != nil {
		return nil, "", err
	}

	now := e.clock().UTC()
	manifest := map[string]interface{}{
		"relationship_id": rel.ID,
		"initiator":       rel.Initiator,
		"responder":       rel.Responder,
		"state":           rel.State,
		"close_reason":    rel.CloseReason,
		"generated_at":    now,
		"event_count":     len(events),
		"chain_head":      rel.ChainHead,
		"period": map[string]interface{}{
			"start": rel.CreatedAt,
			"end":   rel.ClosedAt,
		},
	}
	manifestJSON, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return nil, "", fmt.Errorf("audit: failed to marshal manifest: %w", err)
	}

	buf := new(bytes.Buffer)
	w := zip.NewWriter(buf)

	f, err := w.Create("events.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(eventsJSON)

	f, err = w.Create("manifest.json")
	if err != nil {
		return nil, "", err
	}
	_, _ = f.Write(manifestJSON)

	f, err = w.Create("README.txt")
	if err != nil {
		return nil, "", err
	}
	_, _ = fmt.Fprintf(f, "Evidence pack for relationship %s (%s -> %s)\nGenerated at %s\nVerify events.json against the chain head in manifest.json.\n",
		rel.ID, rel.Initiator, rel.Responder, now.Format(time.RFC3339))

	if err := w.Close(); err != nil {
		return nil, "", err
	}

	zipBytes := buf.Bytes()
	hash := sha256.Sum256(zipBytes)
	checksum := hex.EncodeToString(hash[:])

	return zipBytes, checksum, nil
}
