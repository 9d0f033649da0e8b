package cmd

import (
	"context"
	"errors"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/skyferry/skyferry/internal/journal"
	"github.com/skyferry/skyferry/internal/server"
	"github.com/skyferry/skyferry/internal/storage"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var abortAll bool

var errNoJournal = errors.New("journal.path is not configured")

//nolint:gochecknoglobals // cobra requires package-level command variable
var uploadsCmd = &cobra.Command{
	Use:   "uploads",
	Short: "Manage open multipart uploads recorded in the journal",
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var uploadsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List open multipart uploads",
	Args:  cobra.NoArgs,
	RunE: func(_ *cobra.Command, _ []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			entries, err := journalEntries(ctx, srv)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0) //nolint:mnd // column padding
			fmt.Fprintln(w, "UPLOAD ID\tREMOTE PATH\tLOCAL PATH\tCREATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", e.UploadID, e.RemotePath, e.LocalPath, e.CreatedAt.Local().Format(time.DateTime))
			}
			return w.Flush()
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var uploadsAbortCmd = &cobra.Command{
	Use:   "abort [upload-id...]",
	Short: "Abort open multipart uploads and discard their parts",
	RunE: func(_ *cobra.Command, args []string) error {
		if len(args) == 0 && !abortAll {
			return errors.New("pass upload ids or --all")
		}

		return withServer(func(ctx context.Context, srv *server.Server) error {
			entries, err := journalEntries(ctx, srv)
			if err != nil {
				return err
			}

			selected := entries
			if !abortAll {
				selected, err = selectEntries(entries, args)
				if err != nil {
					return err
				}
			}

			var errs []error
			for _, e := range selected {
				if err := abortEntry(ctx, srv, e); err != nil {
					errs = append(errs, err)
				}
			}
			return errors.Join(errs...)
		})
	},
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	uploadsAbortCmd.Flags().BoolVar(&abortAll, "all", false, "abort every journaled upload")
	uploadsCmd.AddCommand(uploadsListCmd, uploadsAbortCmd)
}

func journalEntries(ctx context.Context, srv *server.Server) ([]journal.Entry, error) {
	j := srv.Journal()
	if j == nil {
		return nil, errNoJournal
	}
	return j.List(ctx)
}

func selectEntries(entries []journal.Entry, uploadIDs []string) ([]journal.Entry, error) {
	byID := make(map[string]journal.Entry, len(entries))
	for _, e := range entries {
		byID[e.UploadID] = e
	}

	selected := make([]journal.Entry, 0, len(uploadIDs))
	for _, id := range uploadIDs {
		e, ok := byID[id]
		if !ok {
			return nil, fmt.Errorf("upload %s is not in the journal", id)
		}
		selected = append(selected, e)
	}
	return selected, nil
}

// abortEntry aborts one journaled upload. An upload the storage no longer
// knows is dropped from the journal.
func abortEntry(ctx context.Context, srv *server.Server, e journal.Entry) error {
	remote, err := srv.Storage().RemotePath(e.RemotePath)
	if err != nil {
		return err
	}

	err = srv.Storage().AbortUpload(ctx, remote, e.UploadID)
	switch {
	case err == nil:
		log.Info().Str("upload_id", e.UploadID).Str("path", remote).Msg("aborted upload")
		return nil
	case errors.Is(err, storage.ErrNotFound):
		log.Warn().Str("upload_id", e.UploadID).Str("path", remote).Msg("upload no longer exists, removing from journal")
		_, err = srv.Journal().Remove(ctx, e.UploadID)
		return err
	default:
		return fmt.Errorf("abort %s: %w", e.UploadID, err)
	}
}
