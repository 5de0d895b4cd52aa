package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/JakeFAU/ai-tool-finder/internal/app"
)

func newCrawlCmd() *cobra.Command {
	var opts app.CrawlOptions
	cmd := &cobra.Command{
		Use:   "crawl",
		Short: "Crawl the directory and store every listed tool",
		Long: `Resolves the site's sitemaps, fetches each tool detail page one
request at a time per host with the configured crawl delay, and upserts the
extracted tools into the catalog. A JSON summary is printed on completion.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			report, err := appInstance.Crawl(cmd.Context(), opts)
			if err != nil && !errors.Is(err, context.Canceled) {
				return fmt.Errorf("run crawl: %w", err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			if err := enc.Encode(report); err != nil {
				return fmt.Errorf("write report: %w", err)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&opts.ResetFailures, "reset-failures", false, "forget persisted visits and permanent failures before crawling")
	cmd.Flags().IntVar(&opts.MaxTools, "max-tools", 0, "override crawler.max_tools for this run")
	return cmd
}
