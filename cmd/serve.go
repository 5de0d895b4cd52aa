package cmd

import (
	"context"
	"errors"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/JakeFAU/ai-tool-finder/internal/app"
)

func newServeCmd() *cobra.Command {
	var crawlInterval time.Duration
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the catalog over HTTP",
		Long: `Serves the query API. With --crawl-interval the directory is also
crawled in this process, once at startup and then at the given interval, so
tools stored by the memory driver are searchable.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			appInstance, err := resolveApp(cmd.Context())
			if err != nil {
				return err
			}
			if crawlInterval <= 0 {
				return appInstance.Serve(cmd.Context())
			}

			ctx, cancel := context.WithCancel(cmd.Context())
			defer cancel()
			done := make(chan struct{})
			go func() {
				defer close(done)
				crawlEvery(ctx, appInstance, crawlInterval, zap.L().Named("serve"))
			}()
			err = appInstance.Serve(ctx)
			cancel()
			<-done
			return err
		},
	}
	cmd.Flags().DurationVar(&crawlInterval, "crawl-interval", 0, "crawl in this process at startup and then at this interval (0 disables)")
	return cmd
}

// crawlEvery crawls immediately and then once per interval until ctx is done.
func crawlEvery(ctx context.Context, a App, interval time.Duration, logger *zap.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		report, err := a.Crawl(ctx, app.CrawlOptions{Background: true})
		switch {
		case err == nil:
			logger.Info("background crawl finished",
				zap.Int("tools", report.Tools), zap.Duration("elapsed", report.Elapsed))
		case errors.Is(err, context.Canceled):
			return
		default:
			logger.Error("background crawl failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}
