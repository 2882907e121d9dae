// Package cli provides the command-line interface for score-int.
package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/logging"
	"github.com/overture-stack/score-int/internal/version"
)

var (
	// Global flags
	cfgFile   string
	tokenFlag string
	verbose   bool
	debug     bool

	// Global logger
	logger *logging.Logger

	// Global context for signal handling
	rootContext context.Context
	cancelFunc  context.CancelFunc
)

// globalFlagKeys binds persistent flags to config keys.
var globalFlagKeys = map[string]string{
	"server-url": "server.url",
	"token-file": "access.token-file",
	"log-level":  "log.level",
}

// NewRootCmd creates the root command.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "score-int",
		Short: "Resumable, parallel object transfers against a score server",
		Long: `score-int ` + version.Version + ` - Built: ` + version.BuildTime + `
Uploads and downloads genomic objects in md5-verified parts through
presigned object store URLs, and runs the transfer server.

Configuration is read from flags, SCORE_* environment variables and
~/.config/score/config.yaml, in that order.

Exit status:
  0   success
  1   fatal error
  2   fix your request (conflict, invalid argument, missing parts, access denied)
  3   not resumable; start the transfer over
  75  transient failure; run the same command again later`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			logger = logging.NewDefaultCLILogger()
			if verbose || debug {
				logging.SetGlobalLevel(zerolog.DebugLevel)
			} else if cmd.Flags().Changed("log-level") {
				level, _ := cmd.Flags().GetString("log-level")
				logging.SetGlobalLevel(logging.ParseLevel(level))
			}
		},
	}

	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "Configuration file path (YAML)")
	rootCmd.PersistentFlags().StringVar(&tokenFlag, "token", "", "Access token (overrides all other sources)")
	rootCmd.PersistentFlags().String("token-file", "", "Path to file containing the access token")
	rootCmd.PersistentFlags().String("server-url", "", "Transfer server URL (overrides config)")
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Verbose output (shows debug messages)")
	rootCmd.PersistentFlags().BoolVar(&debug, "debug", false, "Enable debug output (same as --verbose)")

	rootCmd.Version = version.Version + " (" + version.BuildTime + ")"

	completionCmd := &cobra.Command{
		Use:       "completion [bash|zsh|fish|powershell]",
		Short:     "Generate a shell completion script",
		Args:      cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		ValidArgs: []string{"bash", "zsh", "fish", "powershell"},
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return rootCmd.GenBashCompletion(out)
			case "zsh":
				return rootCmd.GenZshCompletion(out)
			case "fish":
				return rootCmd.GenFishCompletion(out, true)
			default:
				return rootCmd.GenPowerShellCompletion(out)
			}
		},
	}
	rootCmd.AddCommand(completionCmd)
	rootCmd.CompletionOptions.DisableDefaultCmd = true

	return rootCmd
}

// Execute runs the CLI.
func Execute() error {
	rootContext, cancelFunc = context.WithCancel(context.Background())

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	go func() {
		for sig := range sigChan {
			if sig != nil {
				fmt.Fprintf(os.Stderr, "\nReceived signal %v, cancelling transfers...\n", sig)
				fmt.Fprintf(os.Stderr, "Completed parts are kept; run the same command again to resume.\n")
				cancelFunc()
			}
		}
	}()

	rootCmd := NewRootCmd()
	AddCommands(rootCmd)
	err := rootCmd.ExecuteContext(rootContext)

	signal.Stop(sigChan)
	close(sigChan)
	cancelFunc()

	return err
}

// AddCommands adds all subcommands to the root command.
func AddCommands(rootCmd *cobra.Command) {
	rootCmd.AddCommand(newUploadCmd())
	rootCmd.AddCommand(newDownloadCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newCancelCmd())
	rootCmd.AddCommand(newPingCmd())
	rootCmd.AddCommand(newConfigCmd())
	rootCmd.AddCommand(newServerCmd())
}

// GetLogger returns the global CLI logger.
func GetLogger() *logging.Logger {
	if logger == nil {
		logger = logging.NewDefaultCLILogger()
	}
	return logger
}

// Exit codes by advice category.
const (
	ExitFatal        = 1
	ExitFixRequest   = 2
	ExitNotResumable = 3
	ExitRetryable    = 75 // EX_TEMPFAIL
)

// ExitCode maps a command error to the process exit status. Errors the user
// must fix (conflicts, bad arguments, missing parts, denied access) have
// their own status whatever their kind.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	if storage.Advice(err) == storage.AdviceFixRequest {
		return ExitFixRequest
	}
	switch storage.KindOf(err) {
	case storage.KindRetryable:
		return ExitRetryable
	case storage.KindNotResumable:
		return ExitNotResumable
	default:
		return ExitFatal
	}
}

// FormatError renders err with the advice category shown to the user.
func FormatError(err error) string {
	if err == nil {
		return ""
	}
	if advice := storage.Advice(err); advice != "" {
		return fmt.Sprintf("Error: %v (%s)", err, advice)
	}
	return fmt.Sprintf("Error: %v", err)
}
