package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/jengzang/mahjong-analysis-go/internal/models"
)

func newTasksCmd(st *cliState) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect persisted analysis tasks",
	}
	cmd.AddCommand(newTasksListCmd(st))
	return cmd
}

func newTasksListCmd(st *cliState) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks from the registry store, newest first",
		RunE: func(cmd *cobra.Command, _ []string) error {
			var want models.TaskStatus
			if status != "" {
				s, err := models.ParseTaskStatus(status)
				if err != nil {
					return err
				}
				want = s
			}

			store, db, err := openStore(cmd.Context(), st.cfg, st.logger)
			if err != nil {
				return err
			}
			defer func() {
				_ = store.Close()
				if db != nil {
					_ = db.Close()
				}
			}()

			tasks, err := store.LoadAll(cmd.Context())
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tSTATUS\tPROGRESS\tCOS PATH\tCREATED")
			for i := len(tasks) - 1; i >= 0; i-- {
				t := tasks[i]
				if want != "" && t.Status != want {
					continue
				}
				name := t.Name
				if name == "" {
					name = "-"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%d%%\t%s\t%s\n",
					t.ID, name, t.Status, t.Progress, t.SourceRef, humanize.Time(t.CreatedAt))
			}
			return w.Flush()
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "only tasks in this status")
	return cmd
}
