package commands

import (
	"fmt"
	"io"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
)

func NewDocsCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "docs <destination-id> <doc-reference>",
		Short: "Fetch tool documentation from another client",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			s, err := openSession(cmd.Context(), cfg, nil)
			if err != nil {
				return err
			}
			defer s.close()

			data, err := s.FetchDocumentationData(cmd.Context(), args[0], args[1])
			if err != nil {
				return err
			}
			if data == nil {
				return fmt.Errorf("documentation %q is not available at %s", args[1], args[0])
			}
			defer data.Close()

			var w io.Writer = cmd.OutOrStdout()
			if outputPath != "" {
				f, err := os.Create(outputPath)
				if err != nil {
					return fmt.Errorf("failed to create output file: %w", err)
				}
				defer f.Close()
				w = f
			}
			n, err := io.Copy(w, data)
			if err != nil {
				return fmt.Errorf("documentation transfer failed after %s: %w", humanize.Bytes(uint64(n)), err)
			}
			if outputPath != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s wrote %s to %s\n",
					styled(StyleSuccess, "✓"), humanize.Bytes(uint64(n)), outputPath)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "Write to file instead of stdout")

	return cmd
}
