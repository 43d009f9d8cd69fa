package cli

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/kiln-media/kiln/internal/app"
	"github.com/kiln-media/kiln/internal/domain"
	"github.com/spf13/cobra"
)

func init() {
	batchSubmitCmd.Flags().StringVarP(&batchFile, "file", "f", "", "TOML manifest with prompts and shared options")
	batchSubmitCmd.Flags().IntVar(&batchDuration, "duration", 4, "Clip length in seconds, shared by all members")
	batchSubmitCmd.Flags().StringVar(&batchResolution, "resolution", "720p", "Output resolution, shared by all members")
	batchSubmitCmd.Flags().IntVar(&batchFPS, "fps", 0, "Frames per second (daemon default when 0)")
	batchSubmitCmd.Flags().StringVar(&batchPriority, "priority", "", "Queue priority (urgent, high, normal, low)")
	batchSubmitCmd.Flags().Int64Var(&batchVRAM, "vram", 0, "Per-member VRAM reservation in MB (estimated when 0)")
	batchSubmitCmd.Flags().IntVar(&batchMaxConcurrent, "max-concurrent", 0, "Cap on simultaneously running members (0 = no cap)")
	batchSubmitCmd.Flags().StringVar(&batchWebhook, "webhook", "", "URL notified on member and batch settlement")
	batchSubmitCmd.Flags().BoolVar(&batchNoCache, "no-cache", false, "Skip the similarity cache")
	batchSubmitCmd.Flags().BoolVarP(&batchWatch, "watch", "w", false, "Stay attached until the batch settles")

	batchCmd.AddCommand(batchSubmitCmd)
	batchCmd.AddCommand(batchStatusCmd)
	batchCmd.AddCommand(batchResultsCmd)
	batchCmd.AddCommand(batchCancelCmd)
	batchCmd.AddCommand(batchResumeCmd)
	rootCmd.AddCommand(batchCmd)
}

var (
	batchFile          string
	batchDuration      int
	batchResolution    string
	batchFPS           int
	batchPriority      string
	batchVRAM          int64
	batchMaxConcurrent int
	batchWebhook       string
	batchNoCache       bool
	batchWatch         bool
)

var batchCmd = &cobra.Command{
	Use:   "batch",
	Short: "Submit and manage batches of generation tasks",
}

var batchSubmitCmd = &cobra.Command{
	Use:   "submit [PROMPT...]",
	Short: "Submit prompts as one batch",
	Long:  `Submit several prompts that share options and settle together. Prompts come from arguments, a TOML manifest (--file), or both; a prompt the daemon rejects fails its member task without sinking the rest.`,
	RunE:  runBatchSubmit,
}

var batchStatusCmd = &cobra.Command{
	Use:   "status BATCH",
	Short: "Show a batch's settle counts and ETA",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchStatus,
}

var batchResultsCmd = &cobra.Command{
	Use:   "results BATCH",
	Short: "List every member task with its artifact or error",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchResults,
}

var batchCancelCmd = &cobra.Command{
	Use:   "cancel BATCH",
	Short: "Cancel all unsettled members of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchCancel,
}

var batchResumeCmd = &cobra.Command{
	Use:   "resume BATCH",
	Short: "Requeue the cancelled members of a batch",
	Args:  cobra.ExactArgs(1),
	RunE:  runBatchResume,
}

type submitBatchBody struct {
	Prompts       []string          `json:"prompts"`
	Options       domain.GenOptions `json:"options"`
	Priority      string            `json:"priority,omitempty"`
	VRAMMB        int64             `json:"vram_mb,omitempty"`
	MaxConcurrent int               `json:"max_concurrent,omitempty"`
	WebhookURL    string            `json:"webhook_url,omitempty"`
}

func runBatchSubmit(cmd *cobra.Command, args []string) error {
	body := submitBatchBody{
		Prompts: args,
		Options: domain.GenOptions{
			DurationSec: batchDuration,
			Resolution:  batchResolution,
			FPS:         batchFPS,
			CacheBypass: batchNoCache,
		},
		Priority:      batchPriority,
		VRAMMB:        batchVRAM,
		MaxConcurrent: batchMaxConcurrent,
		WebhookURL:    batchWebhook,
	}

	if batchFile != "" {
		m, err := app.LoadManifest(batchFile)
		if err != nil {
			return err
		}
		applyManifest(cmd, &body, m)
	}
	if len(body.Prompts) == 0 {
		return fmt.Errorf("no prompts given; pass them as arguments or with --file")
	}

	c := newClient()
	var b batchView
	if err := c.post("/v1/batches", body, &b); err != nil {
		return err
	}

	fmt.Printf("%s  %s (%d tasks)\n", b.ID, b.Status, b.Total)
	if !batchWatch {
		return nil
	}
	return watchBatch(c, b.ID)
}

// applyManifest folds manifest values into the request. Explicit flags win
// over the manifest; positional prompts append to its list.
func applyManifest(cmd *cobra.Command, body *submitBatchBody, m *app.Manifest) {
	body.Prompts = append(append([]string{}, m.Prompts...), body.Prompts...)
	flags := cmd.Flags()
	if !flags.Changed("duration") && m.Options.DurationSec != 0 {
		body.Options.DurationSec = m.Options.DurationSec
	}
	if !flags.Changed("resolution") && m.Options.Resolution != "" {
		body.Options.Resolution = m.Options.Resolution
	}
	if !flags.Changed("fps") && m.Options.FPS != 0 {
		body.Options.FPS = m.Options.FPS
	}
	if !flags.Changed("no-cache") && m.Options.CacheBypass {
		body.Options.CacheBypass = true
	}
	if !flags.Changed("priority") && m.Priority != "" {
		body.Priority = m.Priority
	}
	if !flags.Changed("max-concurrent") && m.MaxConcurrent != 0 {
		body.MaxConcurrent = m.MaxConcurrent
	}
	if !flags.Changed("webhook") && m.WebhookURL != "" {
		body.WebhookURL = m.WebhookURL
	}
}

// watchBatch polls the batch until every member settles.
func watchBatch(c *apiClient, id string) error {
	pb := newProgressBar()
	for {
		var b batchView
		if err := c.get("/v1/batches/"+id, &b); err != nil {
			fmt.Fprintln(os.Stderr)
			return err
		}

		switch b.Status {
		case domain.BatchCompleted, domain.BatchPartial, domain.BatchFailed, domain.BatchCancelled:
			pb.finish(fmt.Sprintf("[%s] %s: %d completed, %d failed, %d cancelled",
				b.Status, b.ID, b.Completed, b.Failed, b.Cancelled))
			return nil
		}

		pct := 0.0
		if b.Total > 0 {
			pct = float64(b.Resolved()) / float64(b.Total) * 100
		}
		label := fmt.Sprintf("%d/%d settled", b.Resolved(), b.Total)
		pb.render(pct, label, batchETA(c, id))

		time.Sleep(500 * time.Millisecond)
	}
}

// batchETA fetches the remaining-seconds estimate; 0 when unavailable.
func batchETA(c *apiClient, id string) float64 {
	var eta etaView
	if err := c.get("/v1/batches/"+id+"/eta", &eta); err != nil {
		return 0
	}
	return eta.EstimateSec
}

func runBatchStatus(cmd *cobra.Command, args []string) error {
	c := newClient()

	var b batchView
	if err := c.get("/v1/batches/"+args[0], &b); err != nil {
		return err
	}

	fmt.Printf("Batch:     %s\n", b.ID)
	fmt.Printf("Status:    %s\n", b.Status)
	fmt.Printf("Priority:  %s\n", b.Priority)
	fmt.Printf("Settled:   %d/%d (%d completed, %d failed, %d cancelled)\n",
		b.Resolved(), b.Total, b.Completed, b.Failed, b.Cancelled)
	fmt.Printf("Running:   %d\n", b.Running)
	if b.MaxConcurrent > 0 {
		fmt.Printf("Parallel:  at most %d members\n", b.MaxConcurrent)
	}
	if b.ResumedFrom > 0 {
		fmt.Printf("Resumed:   %d members were already settled\n", b.ResumedFrom)
	}
	fmt.Printf("Created:   %s\n", b.CreatedAt.Format("2006-01-02 15:04:05"))
	if eta := batchETA(c, args[0]); eta > 0 {
		fmt.Printf("Remaining: ~%s\n", formatSeconds(eta))
	}
	return nil
}

func runBatchResults(cmd *cobra.Command, args []string) error {
	c := newClient()

	var res resultsView
	if err := c.get("/v1/batches/"+args[0]+"/results", &res); err != nil {
		return err
	}

	if len(res.Tasks) == 0 {
		fmt.Println("No member tasks recorded for this batch.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tARTIFACT\tERROR")
	for _, t := range res.Tasks {
		artifact, lastErr := "-", "-"
		if t.Result != nil {
			artifact = t.Result.ArtifactURL
		}
		if t.LastError != nil {
			lastErr = string(t.LastError.Code)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", t.ID, t.Status, artifact, lastErr)
	}
	return w.Flush()
}

func runBatchCancel(cmd *cobra.Command, args []string) error {
	c := newClient()

	var b batchView
	if err := c.post("/v1/batches/"+args[0]+"/cancel", nil, &b); err != nil {
		return err
	}

	fmt.Printf("%s  %s\n", b.ID, b.Status)
	if b.Status == domain.BatchCancelling {
		fmt.Println("  running members settle when their workers acknowledge")
	}
	return nil
}

func runBatchResume(cmd *cobra.Command, args []string) error {
	c := newClient()

	var b batchView
	if err := c.post("/v1/batches/"+args[0]+"/resume", nil, &b); err != nil {
		return err
	}

	requeued := b.Total - b.Resolved()
	fmt.Printf("%s  %s (%d members requeued)\n", b.ID, b.Status, requeued)
	return nil
}
