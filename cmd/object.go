package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/skyferry/skyferry/internal/server"
)

//nolint:gochecknoglobals // cobra CLI flags require package-level variables
var objectVersion string

//nolint:gochecknoglobals // cobra requires package-level command variable
var hashCmd = &cobra.Command{
	Use:   "hash <local-file> [bucket/key]",
	Short: "Compute the storage hash of a local file",
	Long: `Compute the hash the storage reports for a local file uploaded with the
configured part size. With a remote path, compare it against the object.`,
	Args: cobra.RangeArgs(1, 2), //nolint:mnd // file and optional object
	RunE: func(_ *cobra.Command, args []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			hash, err := srv.Storage().HashFile(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Println(hash) //nolint:forbidigo // CLI output

			if len(args) < 2 { //nolint:mnd // optional object
				return nil
			}

			info, err := srv.Storage().Info(ctx, args[1], objectVersion)
			if err != nil {
				return err
			}
			if info.Hash != hash {
				return fmt.Errorf("hash mismatch: %s has %s", args[1], info.Hash)
			}
			return nil
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var infoCmd = &cobra.Command{
	Use:   "info <bucket/key>",
	Short: "Show object metadata",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			info, err := srv.Storage().Info(ctx, args[0], objectVersion)
			if err != nil {
				return err
			}

			enc := json.NewEncoder(os.Stdout)
			enc.SetIndent("", "  ")
			return enc.Encode(info)
		})
	},
}

//nolint:gochecknoglobals // cobra requires package-level command variable
var rmCmd = &cobra.Command{
	Use:   "rm <bucket/key>",
	Short: "Delete an object",
	Args:  cobra.ExactArgs(1),
	RunE: func(_ *cobra.Command, args []string) error {
		return withServer(func(ctx context.Context, srv *server.Server) error {
			return srv.Storage().Delete(ctx, args[0], objectVersion)
		})
	},
}

//nolint:gochecknoinits // cobra requires init for flag registration
func init() {
	for _, c := range []*cobra.Command{hashCmd, infoCmd, rmCmd} {
		c.Flags().StringVar(&objectVersion, "object-version", "", "use this object version")
	}
}
