package cli

import (
	"fmt"
	"os"
	"time"

	"github.com/kiln-media/kiln/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	submitCmd.Flags().IntVar(&submitDuration, "duration", 4, "Clip length in seconds (1-60)")
	submitCmd.Flags().StringVar(&submitResolution, "resolution", "720p", "Output resolution (480p, 720p, 1080p, 4k)")
	submitCmd.Flags().IntVar(&submitFPS, "fps", 0, "Frames per second (daemon default when 0)")
	submitCmd.Flags().StringVar(&submitPriority, "priority", "", "Queue priority (urgent, high, normal, low)")
	submitCmd.Flags().Int64Var(&submitVRAM, "vram", 0, "VRAM reservation in MB (estimated when 0)")
	submitCmd.Flags().StringVar(&submitWebhook, "webhook", "", "URL notified when the task settles")
	submitCmd.Flags().StringVar(&submitKey, "key", "", "Idempotency key for safe retries")
	submitCmd.Flags().BoolVar(&submitNoCache, "no-cache", false, "Skip the similarity cache")
	submitCmd.Flags().BoolVarP(&submitWatch, "watch", "w", false, "Stay attached and render progress")
	rootCmd.AddCommand(submitCmd)
}

var (
	submitDuration   int
	submitResolution string
	submitFPS        int
	submitPriority   string
	submitVRAM       int64
	submitWebhook    string
	submitKey        string
	submitNoCache    bool
	submitWatch      bool
)

var submitCmd = &cobra.Command{
	Use:   "submit PROMPT",
	Short: "Submit a video generation task",
	Long:  `Submit a prompt for generation. The daemon queues it under the VRAM budget and answers immediately; use --watch to stay attached.`,
	Args:  cobra.ExactArgs(1),
	RunE:  runSubmit,
}

type submitTaskBody struct {
	Prompt         string            `json:"prompt"`
	Options        domain.GenOptions `json:"options"`
	Priority       string            `json:"priority,omitempty"`
	VRAMMB         int64             `json:"vram_mb,omitempty"`
	IdempotencyKey string            `json:"idempotency_key,omitempty"`
	WebhookURL     string            `json:"webhook_url,omitempty"`
}

func runSubmit(cmd *cobra.Command, args []string) error {
	c := newClient()

	body := submitTaskBody{
		Prompt: args[0],
		Options: domain.GenOptions{
			DurationSec: submitDuration,
			Resolution:  submitResolution,
			FPS:         submitFPS,
			CacheBypass: submitNoCache,
		},
		Priority:       submitPriority,
		VRAMMB:         submitVRAM,
		IdempotencyKey: submitKey,
		WebhookURL:     submitWebhook,
	}

	var t taskView
	if err := c.post("/v1/tasks", body, &t); err != nil {
		return err
	}

	if t.Result != nil && t.Result.FromCache {
		fmt.Printf("%s  completed (cache hit)\n", t.ID)
		printResult(t.Result)
		return nil
	}

	fmt.Printf("%s  %s (%d MB reserved)\n", t.ID, t.Status, t.VRAMMB)
	if !submitWatch {
		return nil
	}
	return watchTask(c, t.ID)
}

// watchTask polls the task until it settles, rendering a progress bar.
func watchTask(c *apiClient, id string) error {
	pb := newProgressBar()
	for {
		var t taskView
		if err := c.get("/v1/tasks/"+id, &t); err != nil {
			fmt.Fprintln(os.Stderr)
			return err
		}

		switch t.Status {
		case domain.TaskCompleted:
			pb.finish(fmt.Sprintf("[done] %s completed", t.ID))
			printResult(t.Result)
			return nil
		case domain.TaskFailed:
			pb.finish(fmt.Sprintf("[failed] %s", t.ID))
			if t.LastError != nil {
				return fmt.Errorf("%s: %s", t.LastError.Code, t.LastError.Detail)
			}
			return fmt.Errorf("task %s failed", t.ID)
		case domain.TaskCancelled:
			pb.finish(fmt.Sprintf("[cancelled] %s", t.ID))
			return nil
		case domain.TaskQueued:
			eta := taskETA(c, t.ID)
			pb.renderQueued(t.QueuePosition, eta)
		default:
			eta := taskETA(c, t.ID)
			pb.render(t.Progress*100, "running", eta)
		}

		time.Sleep(500 * time.Millisecond)
	}
}

// taskETA fetches the remaining-seconds estimate; 0 when unavailable.
func taskETA(c *apiClient, id string) float64 {
	var eta etaView
	if err := c.get("/v1/tasks/"+id+"/eta", &eta); err != nil {
		return 0
	}
	return eta.EstimateSec
}

func printResult(r *domain.Result) {
	if r == nil {
		return
	}
	fmt.Printf("  artifact: %s (%s, %d frames)\n", r.ArtifactURL, humanSize(r.SizeBytes), r.Frames)
}
