package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/kiln-media/kiln/internal/daemon"
	"github.com/kiln-media/kiln/internal/domain"
)

// apiClient talks to a running Kiln daemon. Address resolution order:
// --addr flag, KILN_ADDR env, then the host/port from the config file.
type apiClient struct {
	base string
	http *http.Client
}

func newClient() *apiClient {
	addr := rootAddr
	if addr == "" {
		addr = os.Getenv("KILN_ADDR")
	}
	if addr == "" {
		if cfg, err := daemon.LoadConfig(); err == nil {
			addr = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
		} else {
			addr = "http://127.0.0.1:5456"
		}
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return &apiClient{
		base: strings.TrimRight(addr, "/"),
		http: &http.Client{Timeout: 30 * time.Second},
	}
}

func (c *apiClient) get(path string, out interface{}) error {
	return c.do(http.MethodGet, path, nil, out)
}

func (c *apiClient) post(path string, in, out interface{}) error {
	return c.do(http.MethodPost, path, in, out)
}

func (c *apiClient) do(method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		buf, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(buf)
	}

	req, err := http.NewRequest(method, c.base+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("reach daemon at %s: %w (start one with 'kiln serve')", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var envelope struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.NewDecoder(resp.Body).Decode(&envelope) == nil && envelope.Error.Message != "" {
			return fmt.Errorf("%s: %s", envelope.Error.Code, envelope.Error.Message)
		}
		return fmt.Errorf("daemon answered %s", resp.Status)
	}

	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

// ─── Wire views ───────────────────────────────────────────────────────────────

type taskView struct {
	domain.Task
	QueuePosition int `json:"queue_position"`
}

type batchView struct {
	domain.Batch
	Running int `json:"running"`
}

type taskListView struct {
	Tasks []domain.Task `json:"tasks"`
	Count int           `json:"count"`
}

type resultsView struct {
	Batch domain.Batch  `json:"batch"`
	Tasks []domain.Task `json:"tasks"`
}

type etaView struct {
	TaskID        string  `json:"task_id"`
	BatchID       string  `json:"batch_id"`
	Status        string  `json:"status"`
	QueuePosition int     `json:"queue_position"`
	EstimateSec   float64 `json:"estimate_sec"`
}

// humanSize renders byte counts the way people read them.
func humanSize(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.1f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.1f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.1f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}

// truncate clips a prompt for table display.
func truncate(s string, max int) string {
	runes := []rune(s)
	if len(runes) <= max {
		return s
	}
	return string(runes[:max-1]) + "…"
}
