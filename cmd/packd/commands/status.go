package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/caflabs/packd/pkg/api"
	"github.com/caflabs/packd/pkg/config"
)

var (
	statusWorkerID int
	statusJSON     bool
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show worker status",
	Long: `Check a running worker's health endpoint and display its status.

The facade port is derived from the worker id (6700 + worker_id), taken
from the --worker-id flag or the configuration file.

Examples:
  # Check the configured worker
  packd status

  # Check a specific worker
  packd status --worker-id 3

  # Output as JSON
  packd status --json`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVar(&statusWorkerID, "worker-id", -1, "Worker id (default: from config)")
	statusCmd.Flags().BoolVar(&statusJSON, "json", false, "Output raw JSON")
}

// workerStatus is the health endpoint response shape.
type workerStatus struct {
	Status    string `json:"status"`
	WorkerID  int    `json:"workerId"`
	Timestamp string `json:"timestamp"`
}

func runStatus(cmd *cobra.Command, args []string) error {
	workerID := statusWorkerID
	if workerID < 0 {
		cfg, err := config.Load(GetConfigFile())
		if err != nil {
			return fmt.Errorf("no --worker-id given and config load failed: %w", err)
		}
		workerID = cfg.WorkerID
	}

	port := api.PortForWorker(workerID)
	healthURL := fmt.Sprintf("http://localhost:%d/health", port)
	client := &http.Client{Timeout: 2 * time.Second}

	resp, err := client.Get(healthURL)
	if err != nil {
		fmt.Printf("Worker %d: \033[31m○ Stopped\033[0m (no response on port %d)\n", workerID, port)
		os.Exit(1)
	}
	defer func() { _ = resp.Body.Close() }()

	var status workerStatus
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("invalid health response from worker %d: %w", workerID, err)
	}

	if statusJSON {
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(status)
	}

	fmt.Printf("Worker %d: \033[32m● Running\033[0m\n", status.WorkerID)
	fmt.Printf("  Port:      %d\n", port)
	fmt.Printf("  Status:    %s\n", status.Status)
	fmt.Printf("  Timestamp: %s\n", status.Timestamp)
	return nil
}
