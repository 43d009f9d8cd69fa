package cli

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func init() {
	psCmd.Flags().StringVar(&psStatus, "status", "", "Only show tasks in this state (queued, running, completed, failed, cancelled)")
	psCmd.Flags().IntVar(&psLimit, "limit", 50, "Maximum rows to show")
	rootCmd.AddCommand(psCmd)
}

var (
	psStatus string
	psLimit  int
)

var psCmd = &cobra.Command{
	Use:     "ps",
	Aliases: []string{"tasks"},
	Short:   "List generation tasks",
	RunE:    runPs,
}

func runPs(cmd *cobra.Command, args []string) error {
	c := newClient()

	path := fmt.Sprintf("/v1/tasks?limit=%d", psLimit)
	if psStatus != "" {
		path += "&status=" + psStatus
	}

	var list taskListView
	if err := c.get(path, &list); err != nil {
		return err
	}

	if len(list.Tasks) == 0 {
		fmt.Println("No tasks found. Run 'kiln submit <prompt>' to get started.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRI\tPROG\tVRAM\tCREATED\tPROMPT")
	for _, t := range list.Tasks {
		fmt.Fprintf(w, "%s\t%s\t%s\t%3.0f%%\t%d MB\t%s\t%s\n",
			t.ID,
			t.Status,
			t.Priority,
			t.Progress*100,
			t.VRAMMB,
			t.CreatedAt.Format("15:04:05"),
			truncate(t.Prompt, 48),
		)
	}
	return w.Flush()
}
