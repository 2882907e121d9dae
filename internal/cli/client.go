package cli

import (
	"fmt"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/spf13/cobra"

	"github.com/overture-stack/score-int/internal/api"
	"github.com/overture-stack/score-int/internal/cloud/channel"
	"github.com/overture-stack/score-int/internal/cloud/state"
	"github.com/overture-stack/score-int/internal/cloud/transfer"
	"github.com/overture-stack/score-int/internal/config"
	httpx "github.com/overture-stack/score-int/internal/http"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/models"
	"github.com/overture-stack/score-int/internal/progress"
)

// transferFlagKeys binds per-command transfer flags to config keys.
var transferFlagKeys = map[string]string{
	"workers":       "transfer.workers",
	"memory-mapped": "transfer.memory-mapped",
	"state-dir":     "transfer.state-dir",
	"retries":       "retry.number",
}

func addTransferFlags(cmd *cobra.Command) {
	cmd.Flags().Int("workers", 0, "Parts transferred in parallel (default 8)")
	cmd.Flags().Bool("memory-mapped", false, "Map file windows instead of buffering parts on the heap")
	addStateDirFlag(cmd)
	cmd.Flags().Int("retries", 0, "Retries per part for transient errors (negative = unbounded)")
}

// addStateDirFlag is for commands that read or clear resume state without
// transferring.
func addStateDirFlag(cmd *cobra.Command) {
	cmd.Flags().String("state-dir", "", "Directory for resume state (default ~/.config/score/state)")
}

// clientSession bundles what a client command needs.
type clientSession struct {
	cfg    *config.ClientConfig
	client *api.Client
	logger *logging.Logger
}

// loadClientSession loads configuration with cmd's flags taking precedence
// and creates the API client.
func loadClientSession(cmd *cobra.Command, withTransfer bool) (*clientSession, error) {
	v, err := config.New(cfgFile)
	if err != nil {
		return nil, err
	}
	keys := map[string]string{}
	for flag, key := range globalFlagKeys {
		keys[flag] = key
	}
	if withTransfer {
		for flag, key := range transferFlagKeys {
			keys[flag] = key
		}
	} else if cmd.Flags().Lookup("state-dir") != nil {
		keys["state-dir"] = transferFlagKeys["state-dir"]
	}
	if err := config.BindFlags(v, cmd.Flags(), keys); err != nil {
		return nil, err
	}

	cfg, err := config.LoadClient(v)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	log := GetLogger()
	if !verbose && !debug {
		logging.SetGlobalLevel(logging.ParseLevel(cfg.LogLevel))
	}

	token, source := config.ResolveToken(tokenFlag, cfg.Token, cfg.TokenFile, log)
	log.Debug().Str("server", cfg.ServerURL).Str("tokenSource", source).Msg("Loaded client configuration")

	client, err := api.NewClient(api.Config{
		BaseURL: cfg.ServerURL,
		Token:   token,
		HTTPClient: httpx.CreateOptimizedClient(httpx.ClientOptions{
			ConnectTimeout: cfg.HTTP.ConnectTimeout,
			ReadTimeout:    cfg.HTTP.ReadTimeout,
		}),
		Logger: log,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create API client: %w", err)
	}
	return &clientSession{cfg: cfg, client: client, logger: log}, nil
}

// orchestrator creates a transfer orchestrator reporting to bar.
func (s *clientSession) orchestrator(bar progress.ObjectBarHandle) (*transfer.Orchestrator, error) {
	retry := s.cfg.Retry
	mode := channel.ParseMode(s.cfg.MemoryMapped)

	var retries atomic.Int32
	retry.OnRetry = func(int, error, time.Duration) {
		n := retries.Add(1)
		if bar != nil {
			bar.SetRetry(int(n))
		}
	}
	opts := transfer.Options{
		Workers:    s.cfg.Workers,
		Retry:      retry,
		Mode:       mode,
		HTTPClient: httpx.CreateOptimizedClient(s.cfg.HTTP),
		LockDir:    s.uploadStateDir(),
		Logger:     s.logger,
	}
	if bar != nil {
		opts.Progress = func(p models.TransferProgress) { bar.Update(p) }
	}
	return transfer.New(s.client, opts)
}

func (s *clientSession) uploadStateDir() string {
	return filepath.Join(s.cfg.StateDir, "uploads")
}

func (s *clientSession) uploadState() (*state.FileStore, error) {
	return state.NewUploadFileStore(s.uploadStateDir())
}

func (s *clientSession) downloadState() (*state.FileStore, error) {
	return state.NewDownloadFileStore(filepath.Join(s.cfg.StateDir, "downloads"))
}

// logAbove routes log lines above ui's progress bars while they are drawn.
// The returned func restores the previous output.
func (s *clientSession) logAbove(ui *progress.TransferUI) func() {
	if !ui.IsTerminal() {
		return func() {}
	}
	prev := s.logger.Output()
	s.logger.SetOutput(ui.Writer())
	return func() { s.logger.SetOutput(prev) }
}
