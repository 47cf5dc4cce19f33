package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/parleyhq/parley/api/schemas"
	"github.com/parleyhq/parley/internal/engine"
	"github.com/parleyhq/parley/internal/observability"
	"github.com/parleyhq/parley/internal/store"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Scenario is a scripted negotiation: one demand, its candidates, the offers
// they submit, and the feedback they give each round. It exists so a full
// negotiation can be exercised end to end without a live transport layer.
type Scenario struct {
	Demand     schemas.Demand       `json:"demand"`
	Candidates []string             `json:"candidates"`
	Offers     []schemas.Offer      `json:"offers"`
	Rounds     [][]schemas.Feedback `json:"rounds"`
}

// Report is what the run command prints when the negotiation settles.
type Report struct {
	ChannelID string                    `json:"channel_id"`
	Status    schemas.Status            `json:"status"`
	Rounds    int                       `json:"rounds"`
	Proposal  *schemas.Proposal         `json:"proposal,omitempty"`
	Subnets   []schemas.SubnetInfo      `json:"subnets,omitempty"`
	Recovery  []schemas.RecoveryAttempt `json:"recovery,omitempty"`
}

var runCmd = &cobra.Command{
	Use:   "run <scenario.json>",
	Short: "Run a scripted negotiation scenario and print the outcome.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runScenario(cmd.Context(), args[0])
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runScenario(ctx context.Context, path string) error {
	logger := observability.GetLogger()

	raw, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read scenario file: %w", err)
	}
	var scenario Scenario
	if err := json.Unmarshal(raw, &scenario); err != nil {
		return fmt.Errorf("failed to parse scenario file: %w", err)
	}

	var audit schemas.AuditSink
	if st, err := store.Open(ctx, cfg.Audit, logger); err != nil {
		return fmt.Errorf("failed to open audit store: %w", err)
	} else if st != nil {
		audit = st
	}

	eng, err := engine.New(engine.Params{
		Config:    cfg,
		Logger:    logger,
		Directory: engine.StaticDirectory(scenario.Candidates),
		Audit:     audit,
	})
	if err != nil {
		return err
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		if err := eng.Start(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})

	// Watch for the channel's terminal signal before driving the script, so
	// the settle wait below cannot miss it.
	terminals, unsubscribe := eng.Bus().Subscribe(
		schemas.SignalProposalFinalized,
		schemas.SignalNegotiationFailed,
		schemas.SignalNegotiationForceFinalized,
	)
	defer unsubscribe()

	ch, err := eng.CreateChannel(ctx, &scenario.Demand, scenario.Candidates)
	if err != nil {
		return err
	}

	for _, offer := range scenario.Offers {
		if err := eng.SubmitOffer(ctx, ch.ID(), offer); err != nil {
			return fmt.Errorf("offer from %s rejected: %w", offer.ParticipantID, err)
		}
	}

	for _, round := range scenario.Rounds {
		if ch.Status().Terminal() {
			break
		}
		for _, fb := range round {
			if err := eng.SubmitFeedback(ctx, ch.ID(), fb); err != nil {
				return fmt.Errorf("feedback from %s rejected: %w", fb.ParticipantID, err)
			}
		}
	}

	if err := waitForTerminal(ctx, terminals, ch.ID()); err != nil {
		return err
	}
	// Give the gap analysis pass a moment to register any subnets before the
	// report is assembled.
	time.Sleep(250 * time.Millisecond)

	report := Report{
		ChannelID: ch.ID(),
		Status:    ch.Status(),
		Rounds:    ch.Round(),
		Proposal:  ch.Proposal(),
		Subnets:   eng.Subnets(ch.ID()),
		Recovery:  eng.RecoveryHistory(ch.ID()),
	}
	out, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to render report: %w", err)
	}
	fmt.Println(string(out))

	cancel()
	return g.Wait()
}

// waitForTerminal blocks until the channel emits a terminal signal. Scripted
// scenarios that never converge are cut off after a generous timeout.
func waitForTerminal(ctx context.Context, terminals <-chan schemas.Signal, channelID string) error {
	timeout := time.NewTimer(30 * time.Second)
	defer timeout.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout.C:
			return errors.New("scenario did not reach a terminal status")
		case sig := <-terminals:
			if sig.ChannelID == channelID {
				return nil
			}
		}
	}
}
