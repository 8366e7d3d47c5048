package main

import (
	"encoding/json"
	"os"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/orchestrator"
)

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Fetch new mentions once, create tasks and run them",
	RunE:  runPoll,
}

func runPoll(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	res, err := a.ingestor.Poll(orchestrator.WithTrigger(ctx, ingest.TriggerCLI))
	if err != nil {
		return err
	}
	if err := a.wait(ctx); err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(res)
}
