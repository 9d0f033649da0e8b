package cmd

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyferry/skyferry/internal/future"
	"github.com/skyferry/skyferry/internal/server"
	"github.com/skyferry/skyferry/internal/transfer"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var (
	showProgress    bool
	downloadVersion string
)

//nolint:gochecknoglobals // cobra requires package-level command variable
var uploadCmd = &cobra.Command{
	Use:   "upload <local-file> <bucket/key>",
	Short: "Upload a local file",
	Args:  cobra.ExactArgs(2), //nolint:mnd // source and destination
	RunE: func(_ *cobra.Command, args []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			t, err := srv.Storage().UploadFile(ctx, args[0], args[1], progressOptions()...)
			if err != nil {
				return err
			}
			return report(t)
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var downloadCmd = &cobra.Command{
	Use:   "download <bucket/key> <local-file>",
	Short: "Download an object into a local file",
	Args:  cobra.ExactArgs(2), //nolint:mnd // source and destination
	RunE: func(_ *cobra.Command, args []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			opts := progressOptions()
			if downloadVersion != "" {
				opts = append(opts, transfer.WithVersion(downloadVersion))
			}

			t, err := srv.Storage().DownloadFile(ctx, args[0], args[1], opts...)
			if err != nil {
				return err
			}
			return report(t)
		})
	},
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	for _, c := range []*cobra.Command{uploadCmd, downloadCmd} {
		c.Flags().BoolVar(&showProgress, "progress", false, "log transfer progress")
	}
	downloadCmd.Flags().StringVar(&downloadVersion, "object-version", "", "download this object version")
}

func progressOptions() []transfer.TransferOption {
	if !showProgress {
		return nil
	}
	return []transfer.TransferOption{
		transfer.WithProgress(func(p transfer.Progress) {
			log.Info().
				Int64("transferred", p.Transferred).
				Int64("size", p.Size).
				Int64("bytes_per_sec", p.BytesPerSec).
				Msg("progress")
		}),
	}
}

// report waits for t and prints its result. Cancelling the command
// context cancels t, so t always finishes.
//
//nolint:forbidigo // CLI output requires fmt.Printf
func report(t *transfer.Transfer) error {
	<-t.Done()

	res, err := t.Wait(context.Background())
	if err != nil {
		if id := t.UploadID(); id != "" {
			log.Warn().Str("upload_id", id).Msg("multipart upload left open, run 'skyferry uploads abort' to discard it")
		}
		if errors.Is(err, future.ErrCancelled) {
			return errors.New("cancelled")
		}
		return fmt.Errorf("%s %s: %w", t.Kind(), t.Path(), err)
	}

	fmt.Printf("%s\t%d\t%s", res.Path, res.Size, res.Hash)
	if res.Version != "" {
		fmt.Printf("\t%s", res.Version)
	}
	fmt.Println()
	return nil
}
