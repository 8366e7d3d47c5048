package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/ingest"
	"github.com/vinayprograms/replykit/orchestrator"
)

var processCmd = &cobra.Command{
	Use:   "process <task-id>",
	Short: "Run one task in this process and print the result",
	Args:  cobra.ExactArgs(1),
	RunE:  runProcess,
}

func runProcess(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	a, err := setup(ctx)
	if err != nil {
		return err
	}
	defer a.close()

	id := args[0]
	outcome, err := a.orch.Run(orchestrator.WithTrigger(ctx, ingest.TriggerCLI), id)
	if err != nil {
		return err
	}
	task, err := a.store.Get(ctx, id)
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "task %s: %s (status %s)\n", id, outcome, task.Status)
	switch {
	case outcome == orchestrator.OutcomeFailed:
		return fmt.Errorf("%s", task.ErrorMessage)
	case task.ResponseID != "":
		fmt.Fprintf(out, "reply %s: %s\n", task.ResponseID, task.ReplyText)
		for _, url := range task.ResultMedia {
			fmt.Fprintf(out, "image %s\n", url)
		}
	}
	return nil
}
