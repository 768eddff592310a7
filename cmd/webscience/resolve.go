package main

import (
	"encoding/json"
	"fmt"

	"github.com/entrhq/webscience/pkg/linkresolution"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// resolveOutput is one line of resolve output.
type resolveOutput struct {
	Source      string `json:"source"`
	Destination string `json:"destination,omitempty"`
	Error       string `json:"error,omitempty"`
	Kind        string `json:"kind,omitempty"`
}

func newResolveCmd(flags *globalFlags) *cobra.Command {
	var ifNeeded bool

	cmd := &cobra.Command{
		Use:   "resolve <url>...",
		Short: "Follow redirect chains to their destinations",
		Long: `Resolves every URL by following its redirect chain, printing one JSON
object per URL in argument order. URLs that share a chain are fetched once.

With --if-needed, social media wrappers and AMP URLs are unwrapped locally and
only known URL shorteners go to the network.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(flags)
			if err != nil {
				return err
			}

			fetcher, err := linkresolution.NewHTTPFetcher(
				linkresolution.WithTimeout(cfg.Resolver.Timeout),
				linkresolution.WithUserAgent(cfg.Resolver.UserAgent),
				linkresolution.WithMethod(cfg.Resolver.Method),
			)
			if err != nil {
				return err
			}
			resolver, err := linkresolution.NewResolver(
				linkresolution.WithFetcher(fetcher),
				linkresolution.WithMaxHops(cfg.Resolver.MaxHops),
				linkresolution.WithLogger(newLogger("resolve")),
			)
			if err != nil {
				return err
			}
			defer resolver.Close()

			ctx := cmd.Context()
			outputs := make([]resolveOutput, len(args))
			g := new(errgroup.Group)
			g.SetLimit(cfg.Resolver.Concurrency)
			for i, raw := range args {
				g.Go(func() error {
					var res linkresolution.Result
					var err error
					if ifNeeded {
						res, err = resolver.ResolveIfNeeded(ctx, raw)
					} else {
						res, err = resolver.Resolve(ctx, raw)
					}
					out := resolveOutput{Source: raw, Destination: res.Destination}
					if err != nil {
						out.Error = err.Error()
						out.Kind = string(linkresolution.KindOf(err))
					}
					outputs[i] = out
					return nil
				})
			}
			_ = g.Wait()

			enc := json.NewEncoder(cmd.OutOrStdout())
			failed := 0
			for _, out := range outputs {
				if out.Error != "" {
					failed++
				}
				if err := enc.Encode(out); err != nil {
					return err
				}
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d URLs could not be resolved", failed, len(args))
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&ifNeeded, "if-needed", false, "only resolve shortened URLs; unwrap social and AMP URLs locally")
	return cmd
}
