package cli

import (
	"errors"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/overture-stack/score-int/internal/api"
	"github.com/overture-stack/score-int/internal/cloud/storage"
	"github.com/overture-stack/score-int/internal/cloud/transfer"
	"github.com/overture-stack/score-int/internal/pathutil"
	"github.com/overture-stack/score-int/internal/progress"
)

func newUploadCmd() *cobra.Command {
	var (
		objectID string
		file     string
		force    bool
		md5      string
	)
	cmd := &cobra.Command{
		Use:   "upload",
		Short: "Upload a file as an object",
		Long: `Upload a local file in parallel, md5-verified parts.

An interrupted upload resumes from its completed parts when the same
command is run again. --force replaces an existing object or a live
upload session.`,
		Example: `  score-int upload --object-id 5b845b9a-3e3b-5e3b-9a6e-ec2a3c3b4a1e --file sample.bam`,
		RunE: func(cmd *cobra.Command, args []string) error {
			file, err := pathutil.ResolveAbsolutePath(file)
			if err != nil {
				return storage.Fatal(fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err))
			}
			info, err := os.Stat(file)
			if err != nil {
				return storage.Fatal(fmt.Errorf("file not found: %s", file))
			}
			if info.IsDir() {
				return storage.Fatal(fmt.Errorf("%w: '%s' is a directory, not a file", storage.ErrInvalidArgument, file))
			}

			sess, err := loadClientSession(cmd, true)
			if err != nil {
				return err
			}
			store, err := sess.uploadState()
			if err != nil {
				return err
			}

			ui := progress.NewTransferUI(progress.Upload, 1, os.Stderr)
			defer sess.logAbove(ui)()
			bar := ui.AddObjectBar(objectID, file, info.Size())
			orch, err := sess.orchestrator(bar)
			if err != nil {
				return err
			}

			res, err := orch.Upload(cmd.Context(), transfer.UploadRequest{
				ObjectID:  objectID,
				Path:      file,
				Overwrite: force,
				MD5:       md5,
				State:     store,
			})
			bar.Complete(err)
			ui.Wait()
			if err != nil {
				if storage.KindOf(err) == storage.KindRetryable || errors.Is(err, storage.ErrAborted) {
					fmt.Fprintf(os.Stderr, "Resume state saved. To resume this upload, run the same command again.\n")
				}
				if api.IsConflict(err) && !force {
					fmt.Fprintf(os.Stderr, "The object exists or another upload is live; use --force to replace it.\n")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Uploaded %s (upload id %s, %d parts, %d resumed)\n",
				res.ObjectID, res.UploadID, res.Parts, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&objectID, "object-id", "", "Object id to upload as (required)")
	cmd.Flags().StringVarP(&file, "file", "f", "", "Local file to upload (required)")
	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing object or upload session")
	cmd.Flags().StringVar(&md5, "md5", "", "Whole-object md5 recorded with the object")
	addTransferFlags(cmd)
	_ = cmd.MarkFlagRequired("object-id")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func newDownloadCmd() *cobra.Command {
	var (
		objectID string
		out      string
		offset   int64
		length   int64
		external bool
	)
	cmd := &cobra.Command{
		Use:   "download",
		Short: "Download an object or a byte range of it",
		Long: `Download an object into a local file in parallel, md5-verified parts.

--offset and --length select a byte range; the default is the whole
object. Parts already downloaded for the same range are kept when an
interrupted download is run again.`,
		Example: `  score-int download --object-id 5b845b9a-3e3b-5e3b-9a6e-ec2a3c3b4a1e --out sample.bam
  score-int download --object-id 5b845b9a-3e3b-5e3b-9a6e-ec2a3c3b4a1e --out head.bin --length 65536`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if offset < 0 {
				return storage.Fatal(fmt.Errorf("%w: --offset must not be negative", storage.ErrInvalidArgument))
			}
			if length == 0 {
				length = -1
			}
			out, err := pathutil.ResolveAbsolutePath(out)
			if err != nil {
				return storage.Fatal(fmt.Errorf("%w: %v", storage.ErrInvalidArgument, err))
			}

			sess, err := loadClientSession(cmd, true)
			if err != nil {
				return err
			}
			store, err := sess.downloadState()
			if err != nil {
				return err
			}

			// fetched once here to size the bar; the orchestrator fetches its own plan
			spec, err := sess.client.Download(cmd.Context(), objectID, offset, length, external)
			if err != nil {
				return fmt.Errorf("failed to fetch download specification: %w", err)
			}

			ui := progress.NewTransferUI(progress.Download, 1, os.Stderr)
			defer sess.logAbove(ui)()
			bar := ui.AddObjectBar(objectID, out, spec.ObjectSize)
			orch, err := sess.orchestrator(bar)
			if err != nil {
				return err
			}

			res, err := orch.Download(cmd.Context(), transfer.DownloadRequest{
				ObjectID: objectID,
				Path:     out,
				Offset:   offset,
				Length:   length,
				External: external,
				State:    store,
			})
			bar.Complete(err)
			ui.Wait()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Downloaded %s to %s (%d parts, %d resumed)\n",
				res.ObjectID, out, res.Parts, res.Skipped)
			return nil
		},
	}
	cmd.Flags().StringVar(&objectID, "object-id", "", "Object id to download (required)")
	cmd.Flags().StringVarP(&out, "out", "o", "", "Output file (required)")
	cmd.Flags().Int64Var(&offset, "offset", 0, "First byte to download")
	cmd.Flags().Int64Var(&length, "length", -1, "Bytes to download (-1 = to the end)")
	cmd.Flags().BoolVar(&external, "external", false, "Use URLs signed for the public object store endpoint")
	addTransferFlags(cmd)
	_ = cmd.MarkFlagRequired("object-id")
	_ = cmd.MarkFlagRequired("out")
	return cmd
}
