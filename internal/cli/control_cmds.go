package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overture-stack/score-int/internal/cloud/state"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/cloud/transfer"
	"github.com/overture-stack/score-int/internal/config"
)

func newStatusCmd() *cobra.Command {
	var objectID, file string
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the progress of an upload",
		RunE: func(cmd *cobra.Command, args []string) error {
			info, err := os.Stat(file)
			if err != nil {
				return storage.Fatal(fmt.Errorf("file not found: %s", file))
			}
			sess, err := loadClientSession(cmd, false)
			if err != nil {
				return err
			}
			store, err := sess.uploadState()
			if err != nil {
				return err
			}
			uploadID, _, err := store.Lookup(objectID)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			st, err := sess.client.GetUploadStatus(cmd.Context(), objectID, uploadID, info.Size())
			if errors.Is(err, storage.ErrNotFound) {
				exists, xerr := sess.client.Exists(cmd.Context(), objectID)
				if xerr != nil {
					return xerr
				}
				if exists {
					fmt.Fprintf(out, "%s: uploaded\n", objectID)
				} else {
					fmt.Fprintf(out, "%s: no upload in progress\n", objectID)
				}
				return nil
			}
			if err != nil {
				return err
			}

			local := 0
			if uploadID != "" {
				if done, err := store.CompletedParts(state.Key{ObjectID: objectID, UploadID: uploadID}); err == nil {
					local = len(done)
				}
			}
			fmt.Fprintf(out, "%s: upload %s, %d/%d parts (%s), %d recorded locally\n",
				objectID, st.UploadID, st.CompletedParts, st.TotalParts,
				transfer.FormatBytes(st.BytesTransferred), local)
			return nil
		},
	}
	cmd.Flags().StringVar(&objectID, "object-id", "", "Object id (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Local file being uploaded (required)")
	addStateDirFlag(cmd)
	_ = cmd.MarkFlagRequired("object-id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newCancelCmd() *cobra.Command {
	var (
		objectID string
		all      bool
	)
	cmd := &cobra.Command{
		Use:   "cancel",
		Short: "Cancel an upload session, or every session with --all",
		RunE: func(cmd *cobra.Command, args []string) error {
			if (objectID == "") == !all {
				return storage.Fatal(fmt.Errorf("%w: exactly one of --object-id or --all is required", storage.ErrInvalidArgument))
			}
			sess, err := loadClientSession(cmd, false)
			if err != nil {
				return err
			}
			if all {
				if err := sess.client.CancelAll(cmd.Context()); err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), "Cancelled all upload sessions")
				return nil
			}

			if err := sess.client.CancelUpload(cmd.Context(), objectID); err != nil {
				return err
			}
			if store, err := sess.uploadState(); err == nil {
				_ = store.Clear(state.Key{ObjectID: objectID})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Cancelled upload of %s\n", objectID)
			return nil
		},
	}
	cmd.Flags().StringVar(&objectID, "object-id", "", "Object id whose session to cancel")
	cmd.Flags().BoolVar(&all, "all", false, "Cancel every live session (requires system scope)")
	addStateDirFlag(cmd)
	return cmd
}

func newPingCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ping",
		Short: "Check that the server can presign downloads",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadClientSession(cmd, false)
			if err != nil {
				return err
			}
			body, err := sess.client.Ping(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: ok (%d bytes)\n", sess.cfg.ServerURL, len(body))
			return nil
		},
	}
}

func newConfigCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage local configuration",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "set-token <token>",
		Short: "Save an access token to the token file",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("token-file")
			if path == "" {
				path = config.DefaultTokenPath()
			}
			if err := config.WriteTokenFile(path, args[0]); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Token saved to %s\n", path)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the effective client configuration",
		RunE: func(cmd *cobra.Command, args []string) error {
			sess, err := loadClientSession(cmd, false)
			if err != nil {
				return err
			}
			c := sess.cfg
			_, source := config.ResolveToken(tokenFlag, c.Token, c.TokenFile, sess.logger)
			if source == "" {
				source = "none"
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "server.url:             %s\n", c.ServerURL)
			fmt.Fprintf(out, "access token:           %s\n", source)
			fmt.Fprintf(out, "transfer.workers:       %d\n", c.Workers)
			fmt.Fprintf(out, "transfer.memory-mapped: %t\n", c.MemoryMapped)
			fmt.Fprintf(out, "transfer.state-dir:     %s\n", c.StateDir)
			fmt.Fprintf(out, "retry.number:           %d\n", c.Retry.MaxAttempts)
			fmt.Fprintf(out, "retry.initial-interval: %s\n", c.Retry.InitialInterval)
			fmt.Fprintf(out, "retry.max-interval:     %s\n", c.Retry.MaxInterval)
			return nil
		},
	})
	return cmd
}
