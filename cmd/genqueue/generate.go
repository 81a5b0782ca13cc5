package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"

	"github.com/pario-ai/genqueue/pkg/models"
	"github.com/pario-ai/genqueue/pkg/queue"
	"github.com/pario-ai/genqueue/pkg/stream"
	"github.com/spf13/cobra"
)

func newGenerateCmd() *cobra.Command {
	var (
		configPath    string
		prompt        string
		system        string
		source        string
		model         string
		fallbackModel string
		priority      int
		progress      bool
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate one response and stream it to stdout",
		RunE: func(cmd *cobra.Command, args []string) error {
			if prompt == "" {
				return fmt.Errorf("--prompt is required")
			}

			rt, err := newRuntime(configPath)
			if err != nil {
				return err
			}
			defer rt.close()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			if !cmd.Flags().Changed("priority") {
				priority = rt.cfg.Queue.DefaultPriority
			}

			opts := []queue.EnqueueOption{queue.WithModel(model, fallbackModel)}
			if progress {
				opts = append(opts, queue.WithProgress(stream.ProgressFunc(func(pct int) {
					fmt.Fprintf(os.Stderr, "\r[%3d%%]", pct)
				})))
			}

			out := cmd.OutOrStdout()
			w := stream.Funcs{Chunk: func(s string) { fmt.Fprint(out, s) }}

			req := rt.session.Queue().Enqueue(buildTranscript(system, prompt), w, priority, source, opts...)
			_, err = req.Await(ctx)

			closeCtx, cancel := context.WithTimeout(context.Background(), rt.cfg.Queue.CloseTimeout)
			defer cancel()
			_ = rt.session.Close(closeCtx)

			if progress {
				fmt.Fprintln(os.Stderr)
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(out)
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to genqueue config file")
	cmd.Flags().StringVarP(&prompt, "prompt", "p", "", "user turn to generate a response for")
	cmd.Flags().StringVar(&system, "system", "", "optional system turn")
	cmd.Flags().StringVar(&source, "source", "cli", "source tag recorded with the request")
	cmd.Flags().StringVar(&model, "model", "", "model or route alias (default: provider default)")
	cmd.Flags().StringVar(&fallbackModel, "fallback-model", "", "model to try if the primary fails before streaming")
	cmd.Flags().IntVar(&priority, "priority", 0, "queue priority, lower is served first (default: queue.default_priority)")
	cmd.Flags().BoolVar(&progress, "progress", false, "print estimated progress to stderr")

	return cmd
}

func buildTranscript(system, prompt string) []models.Turn {
	var t []models.Turn
	if system != "" {
		t = append(t, models.Turn{Role: "system", Content: system})
	}
	return append(t, models.Turn{Role: "user", Content: prompt})
}
