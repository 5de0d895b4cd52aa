package cmd

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ai-tool-finder/internal/catalog"
)

func newSearchCmd() *cobra.Command {
	var (
		mode  string
		limit int
	)
	cmd := &cobra.Command{
		Use:   "search QUERY...",
		Short: "Query the stored catalog from the command line",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			switch mode {
			case catalog.ModeLexical, catalog.ModeSemantic, catalog.ModeHybrid:
			default:
				return fmt.Errorf("unknown mode %q", mode)
			}
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			query := strings.Join(args, " ")
			tools := appInstance.Catalog().Search(cmd.Context(), mode, query, limit)

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tCATEGORIES\tURL")
			for _, t := range tools {
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", t.ID, t.Name, strings.Join(t.Categories, ","), t.URL)
			}
			return w.Flush()
		},
	}
	cmd.Flags().StringVar(&mode, "mode", catalog.ModeHybrid, "lexical, semantic, or hybrid")
	cmd.Flags().IntVar(&limit, "limit", 10, "maximum number of results")
	return cmd
}
