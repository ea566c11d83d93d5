package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"

	"github.com/Mindburn-Labs/accord/pkg/broker"
	"github.com/Mindburn-Labs/accord/pkg/chain"
	"github.com/Mindburn-Labs/accord/pkg/config"
	"github.com/Mindburn-Labs/accord/pkg/store"
)

// runVerifyCmd implements `accord verify <relationship-id>`.
//
// Replays the relationship's event chain from the configured store and
// checks density, linkage, and every continuity hash against the stored
// head. Runs directly on the store with no network: point it at the same
// database and chain key the broker uses. The report matches what
// GET /api/v1/verify returns.
//
// Exit codes:
//
//	0 = chain intact
//	1 = chain broken or head mismatch
//	2 = runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output result as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	relationshipID := cmd.Arg(0)
	if relationshipID == "" {
		_, _ = fmt.Fprintln(stderr, "Error: relationship id is required")
		_, _ = fmt.Fprintln(stderr, "Usage: accord verify [--json] <relationship-id>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if cfg.StoreDriver == "memory" {
		_, _ = fmt.Fprintln(stderr, "Error: the memory store persists nothing to verify; set ACCORD_DB_DRIVER to sqlite or postgres")
		return 2
	}

	report, err := replayChain(context.Background(), cfg, relationshipID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	switch {
	case jsonOutput:
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	case report.Intact:
		_, _ = fmt.Fprintf(stdout, "✅ Chain intact\n")
		_, _ = fmt.Fprintf(stdout, "Relationship: %s\n", report.RelationshipID)
		_, _ = fmt.Fprintf(stdout, "Events:       %d\n", report.Events)
		_, _ = fmt.Fprintf(stdout, "Head:         %s\n", report.Head)
	default:
		_, _ = fmt.Fprintf(stdout, "❌ Chain verification FAILED\n")
		_, _ = fmt.Fprintf(stdout, "Relationship: %s\n", report.RelationshipID)
		if report.BrokenAt != nil {
			_, _ = fmt.Fprintf(stdout, "Broken at:    sequence %d\n", *report.BrokenAt)
		}
		_, _ = fmt.Fprintf(stdout, "Detail:       %s\n", report.Detail)
	}

	if !report.Intact {
		return 1
	}
	return 0
}

// replayChain loads the relationship and replays its chain under the
// configured master key.
func replayChain(ctx context.Context, cfg *config.Config, relationshipID string) (*broker.ChainReport, error) {
	st, db, err := openStore(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if db != nil {
		defer db.Close()
	}

	master, err := readChainKey(cfg)
	if err != nil {
		return nil, err
	}
	keyring, err := chain.NewKeyring(master)
	if err != nil {
		return nil, err
	}
	key, err := keyring.KeyFor(relationshipID)
	if err != nil {
		return nil, err
	}

	rel, err := st.GetRelationship(ctx, relationshipID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("relationship %s not found in the configured store", relationshipID)
		}
		return nil, err
	}
	events, err := st.ListEvents(ctx, relationshipID, 0)
	if err != nil {
		return nil, err
	}

	report := &broker.ChainReport{RelationshipID: relationshipID, Events: len(events)}
	head, err := chain.Replay(key, events)
	if err != nil {
		var broken *chain.BreakError
		if errors.As(err, &broken) {
			seq := broken.Sequence
			report.BrokenAt = &seq
			report.Detail = broken.Reason
			return report, nil
		}
		return nil, err
	}

	report.Head = head
	if head != rel.ChainHead {
		report.Detail = fmt.Sprintf("stored head %s does not match replayed head %s", rel.ChainHead, head)
		return report, nil
	}
	report.Intact = true
	return report, nil
}
