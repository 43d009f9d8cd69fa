package cli

import (
	"fmt"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(cancelCmd)
}

var cancelCmd = &cobra.Command{
	Use:   "cancel TASK",
	Short: "Cancel a task and release its VRAM reservation",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

func runCancel(cmd *cobra.Command, args []string) error {
	c := newClient()

	var t taskView
	if err := c.post("/v1/tasks/"+args[0]+"/cancel", nil, &t); err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", t.ID, t.Status)
	if t.Status == domain.TaskRunning {
		fmt.Println("  cancel requested; the task settles when the worker acknowledges")
	}
	return nil
}
