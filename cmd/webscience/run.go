package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/entrhq/webscience/pkg/browser"
	"github.com/entrhq/webscience/pkg/events"
	"github.com/entrhq/webscience/pkg/storage"
	"github.com/entrhq/webscience/pkg/study"
	"github.com/entrhq/webscience/pkg/types"
	"github.com/spf13/cobra"
)

// scrollSteps is how many times a page is scrolled while dwelling on it.
const scrollSteps = 4

func newRunCmd(flags *globalFlags) *cobra.Command {
	var startURLs []string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the study in an automated browser",
		Long: `Starts the configured study, opens the automation browser and visits each
start URL, dwelling and scrolling on every page. Page visits, link exposures and
shares are stored in the configured backend. Interrupt to stop early; open
visits are finalized on the way out.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}
			if len(startURLs) > 0 {
				cfg.Browser.StartURLs = startURLs
			}
			if len(cfg.Browser.StartURLs) == 0 {
				return fmt.Errorf("no start URLs: set browser.start_urls or pass --url")
			}
			if err := cfg.Validate(); err != nil {
				return err
			}

			backend, err := storage.Open(cfg.Storage.Backend, cfg.Storage.Path)
			if err != nil {
				return err
			}
			defer backend.Close()

			logger := newLogger("study")
			browserEvents := events.NewSubject[types.BrowserEvent]("browser")
			networkEvents := events.NewSubject[types.NetworkEvent]("network")

			// the page handler needs the study, the study needs the manager as transport
			var s *study.Study
			manager := browser.NewManager(browserEvents, networkEvents,
				browser.WithLogger(newLogger("browser")),
				browser.WithHeadless(cfg.Browser.Headless),
				browser.WithPageHandler(func(ctx context.Context, sender types.MessageSender, pageID, url, html string) {
					le := s.LinkExposure()
					if le == nil {
						return
					}
					if _, err := le.ReportPage(ctx, sender, pageID, url, strings.NewReader(html)); err != nil && ctx.Err() == nil {
						logger.Warnf("link exposure for %s failed: %v", url, err)
					}
				}),
			)

			s, err = study.New(cfg, backend,
				study.WithLogger(logger),
				study.WithTransport(manager),
				study.WithEventSubjects(browserEvents, networkEvents),
			)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if err := s.Start(ctx); err != nil {
				return err
			}
			if err := manager.Initialize(); err != nil {
				_ = s.Stop(context.Background())
				return err
			}

			visitErr := visit(ctx, cmd, manager, cfg.Browser.StartURLs, cfg.Browser.Dwell)

			// close tabs first so their visits end with the tab, then finalize the rest
			shutdownErr := manager.Shutdown()
			if err := s.Stop(context.Background()); err != nil {
				return err
			}
			if shutdownErr != nil {
				logger.Warnf("browser shutdown: %v", shutdownErr)
			}

			export, err := s.Export(context.Background())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "study %s: %d page visits, %d link exposures, %d shares\n",
				cfg.Study.Name, len(export.Navigation), len(export.LinkExposure), len(export.SocialSharing))

			if visitErr != nil && ctx.Err() == nil {
				return visitErr
			}
			return nil
		},
	}

	cmd.Flags().StringSliceVar(&startURLs, "url", nil, "start URL to visit (repeatable; overrides browser.start_urls)")
	return cmd
}

// visit opens one tab and walks it through urls.
func visit(ctx context.Context, cmd *cobra.Command, manager *browser.Manager, urls []string, dwell time.Duration) error {
	tab, err := manager.OpenTab(ctx)
	if err != nil {
		return err
	}
	for _, u := range urls {
		if err := ctx.Err(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "visiting %s\n", u)
		if err := tab.Navigate(ctx, u, browser.NavigateOptions{WaitUntil: "load"}); err != nil {
			fmt.Fprintf(cmd.ErrOrStderr(), "  %v\n", err)
			continue
		}
		if err := tab.Dwell(ctx, dwell, scrollSteps); err != nil {
			return err
		}
	}
	return nil
}
