package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vinayprograms/replykit/config"
	"github.com/vinayprograms/replykit/tasks"
)

var tasksCmd = &cobra.Command{
	Use:   "tasks",
	Short: "Inspect the task table",
}

var (
	taskListLimit   int
	taskListPending bool
)

var tasksListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent or pending tasks",
	RunE:  runTasksList,
}

var tasksShowCmd = &cobra.Command{
	Use:   "show <task-id>",
	Short: "Show one task",
	Args:  cobra.ExactArgs(1),
	RunE:  runTasksShow,
}

func init() {
	tasksListCmd.Flags().IntVarP(&taskListLimit, "limit", "n", 10, "number of tasks")
	tasksListCmd.Flags().BoolVar(&taskListPending, "pending", false, "only pending tasks, oldest first")
	tasksCmd.AddCommand(tasksListCmd)
	tasksCmd.AddCommand(tasksShowCmd)
}

// openStore opens only the task database; inspecting tasks needs nothing
// else.
func openStore() (*tasks.SQLiteStore, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return tasks.OpenSQLite(cfg.Store.Path)
}

func runTasksList(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	var ts []*tasks.Task
	if taskListPending {
		ts, err = store.ListPending(cmd.Context(), taskListLimit)
	} else {
		ts, err = store.ListRecent(cmd.Context(), taskListLimit)
	}
	if err != nil {
		return err
	}
	writeTaskTable(cmd.OutOrStdout(), ts)
	return nil
}

func writeTaskTable(out io.Writer, ts []*tasks.Task) {
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMENTION\tSTATUS\tATTEMPTS\tUPDATED\tERROR")
	for _, t := range ts {
		fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\t%s\n",
			t.ID, t.MentionID, t.Status, t.Attempts,
			t.UpdatedAt.Local().Format("2006-01-02 15:04:05"), clip(t.ErrorMessage, 60))
	}
	w.Flush()
}

func runTasksShow(cmd *cobra.Command, args []string) error {
	store, err := openStore()
	if err != nil {
		return err
	}
	defer store.Close()

	t, err := store.Get(cmd.Context(), args[0])
	if err != nil {
		return err
	}
	if t == nil {
		return fmt.Errorf("task not found: %s", args[0])
	}
	out := cmd.OutOrStdout()
	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	row := func(k string, v any) { fmt.Fprintf(w, "%s\t%v\n", k, v) }
	row("ID", t.ID)
	row("Mention", t.MentionID)
	row("Source", t.SourceContentID)
	row("Status", t.Status)
	row("Attempts", t.Attempts)
	row("Created", t.CreatedAt.Local().Format("2006-01-02 15:04:05"))
	row("Updated", t.UpdatedAt.Local().Format("2006-01-02 15:04:05"))
	if t.SourceUser != nil {
		row("Author", fmt.Sprintf("%s (@%s, %s)", t.SourceUser.Name, t.SourceUser.Username, t.SourceUser.ID))
	}
	if t.SourceText != "" {
		row("Text", clip(t.SourceText, 120))
	}
	if len(t.SourceMedia) > 0 {
		row("Media", len(t.SourceMedia))
	}
	if t.ErrorMessage != "" {
		row("Error", t.ErrorMessage)
	}
	if t.ResponseID != "" {
		row("Reply", t.ResponseID)
		row("Reply text", clip(t.ReplyText, 120))
	}
	if len(t.ResultMedia) > 0 {
		row("Images", strings.Join(t.ResultMedia, ", "))
	}
	return w.Flush()
}

func clip(s string, n int) string {
	s = strings.ReplaceAll(s, "\n", " ")
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
