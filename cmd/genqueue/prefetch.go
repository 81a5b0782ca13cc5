package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/pario-ai/genqueue/pkg/stream"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type choice struct {
	key    string
	prompt string
}

func newPrefetchCmd() *cobra.Command {
	var (
		configPath string
		system     string
		choices    []string
		pick       string
		wait       bool
	)

	cmd := &cobra.Command{
		Use:   "prefetch",
		Short: "Pre-generate responses for several choices, then commit one",
		Long: `Starts a speculative generation for every --choice, then commits --pick.
A finished prefetch for the picked choice is printed without another
provider call; all other prefetches are discarded.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			parsed, err := parseChoices(choices)
			if err != nil {
				return err
			}
			var picked *choice
			for i := range parsed {
				if parsed[i].key == pick {
					picked = &parsed[i]
				}
			}
			if picked == nil {
				return fmt.Errorf("--pick %q does not name a --choice", pick)
			}

			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			s := rt.session
			guesses := s.Speculative()

			eg, egCtx := errgroup.WithContext(ctx)
			for _, c := range parsed {
				eg.Go(func() error {
					s.Prefetch(c.key, buildTranscript(system, c.prompt), "prefetch")
					if !wait {
						return nil
					}
					f, ok := guesses.Pending(c.key)
					if !ok {
						return nil
					}
					if _, err := f.Await(egCtx); err != nil {
						// A failed prefetch only costs a cache miss.
						rt.logger.Warn("prefetch failed", zap.String("key", c.key), zap.Error(err))
					}
					return egCtx.Err()
				})
			}
			if err := eg.Wait(); err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			w := stream.Funcs{Chunk: func(s string) { fmt.Fprint(out, s) }}
			_, err = s.Commit(ctx, picked.key, buildTranscript(system, picked.prompt), w,
				rt.cfg.Queue.DefaultPriority, "choice")
			fmt.Fprintln(out)

			ss := guesses.Stats()
			qs := s.Queue().Stats()
			fmt.Fprintf(os.Stderr, "speculative: %d hit / %d miss, epoch %d\n", ss.Hits, ss.Misses, ss.Epoch)
			fmt.Fprintf(os.Stderr, "queue: %d enqueued, %d completed, %d failed, %d cancelled\n",
				qs.Enqueued, qs.Completed, qs.Failed, qs.Cancelled)

			closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Queue.CloseTimeout)
			defer cancel()
			_ = s.Close(closeCtx)
			return err
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	cmd.Flags().StringVar(&system, "system", "", "optional system turn shared by every choice")
	cmd.Flags().StringArrayVar(&choices, "choice", nil, "choice as key=prompt (repeatable)")
	cmd.Flags().StringVar(&pick, "pick", "", "key of the choice to commit")
	cmd.Flags().BoolVar(&wait, "wait", true, "wait for prefetches to finish before committing")
	_ = cmd.MarkFlagRequired("pick")

	return cmd
}

func parseChoices(raw []string) ([]choice, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("at least one --choice is required")
	}
	seen := make(map[string]bool, len(raw))
	out := make([]choice, 0, len(raw))
	for _, r := range raw {
		key, prompt, ok := strings.Cut(r, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" || prompt == "" {
			return nil, fmt.Errorf("invalid --choice %q (want key=prompt)", r)
		}
		if seen[key] {
			return nil, fmt.Errorf("duplicate --choice key %q", key)
		}
		seen[key] = true
		out = append(out, choice{key: key, prompt: prompt})
	}
	return out, nil
}
