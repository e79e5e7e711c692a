package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/pterm/pterm"
	"github.com/shpitdev/soldcomp/internal/advise"
	"github.com/shpitdev/soldcomp/internal/app"
	"github.com/shpitdev/soldcomp/internal/config"
	"github.com/shpitdev/soldcomp/internal/extract"
	"github.com/shpitdev/soldcomp/internal/version"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func requireInput(cfg config.Config) error {
	if strings.TrimSpace(cfg.Input.Path) == "" {
		return asUsage(errors.WithHint(errors.New("no input file"), "pass --input or set input.path"))
	}
	return nil
}

func newDryRunCmd(c *cli) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "dry-run",
		Short: "Show extracted identifiers and target prices without searching",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			if err := requireInput(cfg); err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			return app.DryRun(cfg, c.stdout, limit, logger)
		},
	}
	addInputFlags(cmd.Flags())
	cmd.Flags().IntVar(&limit, "limit", 10, "Number of records to show (0 shows all)")
	return cmd
}

func newExtractCmd(c *cli) *cobra.Command {
	var titles []string
	cmd := &cobra.Command{
		Use:   "extract [title...]",
		Short: "Extract the identifier from one or more titles",
		Long:  "Extract runs the configured patterns against titles given as arguments or --title, for debugging a pattern file.",
		RunE: func(cmd *cobra.Command, args []string) error {
			titles = append(titles, args...)
			if len(titles) == 0 {
				return asUsage(errors.New("extract needs at least one title"))
			}
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			ex, err := app.BuildExtractor(cfg.Extract, logger)
			if err != nil {
				return err
			}
			opts := extract.Options{StripChars: cfg.Extract.StripChars, StripSuffixes: cfg.Extract.StripSuffixes}
			data := pterm.TableData{{"Title", "Normalized", "Identifier", "Confidence", "Pattern"}}
			for _, t := range titles {
				res := ex.Extract(t)
				data = append(data, []string{t, extract.Normalize(t, opts), res.Identifier, string(res.Confidence), res.PatternUsed})
			}
			out, err := pterm.DefaultTable.WithHasHeader().WithData(data).Srender()
			if err != nil {
				return errors.Wrap(err, "render extraction table")
			}
			_, err = fmt.Fprintln(c.stdout, out)
			return err
		},
	}
	cmd.Flags().StringArrayVar(&titles, "title", nil, "Title to extract from (repeatable)")
	cmd.Flags().String("patterns", "", "YAML extraction pattern file (default: built-in patterns)")
	return cmd
}

func newSuggestCmd(c *cli) *cobra.Command {
	var outPath string
	cmd := &cobra.Command{
		Use:   "suggest-patterns",
		Short: "Ask Gemini for patterns covering titles that fell back",
		Long: `suggest-patterns reads the checkpoint of a previous run, collects titles whose
extraction fell back to the whole title, and asks Gemini for regular expressions
that would match them. Accepted suggestions are printed as a pattern file for
review; nothing is changed automatically.

Requires GEMINI_API_KEY. GEMINI_BASE_URL overrides the API endpoint.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := c.loadConfig(cmd)
			if err != nil {
				return err
			}
			logger, err := c.logger(cfg)
			if err != nil {
				return err
			}
			ctx := cmd.Context()

			store, err := app.OpenCheckpoint(ctx, cfg)
			if err != nil {
				return err
			}
			titles := advise.FallbackTitles(store.Outcomes())
			_ = store.Close()
			if len(titles) == 0 {
				_, err := fmt.Fprintf(c.stdout, "no fallback titles in %s\n", cfg.CheckpointPath())
				return err
			}
			existing, err := extract.LoadPatterns(strings.TrimSpace(cfg.Extract.PatternsFile))
			if err != nil {
				return err
			}

			gen, err := advise.NewGemini(ctx, advise.Config{
				APIKey:  os.Getenv("GEMINI_API_KEY"),
				Model:   cfg.Advise.Model,
				BaseURL: os.Getenv("GEMINI_BASE_URL"),
			})
			if err != nil {
				return asUsage(err)
			}
			advisor := advise.New(gen, advise.Options{
				Normalize:  extract.Options{StripChars: cfg.Extract.StripChars, StripSuffixes: cfg.Extract.StripSuffixes},
				MaxTitles:  cfg.Advise.MaxTitles,
				MaxRetries: 3,
				Timeout:    cfg.Advise.Timeout,
				Logger:     logger,
			})
			logger.Info("requesting pattern suggestions", zap.Int("titles", len(titles)), zap.String("model", cfg.Advise.Model))
			accepted, rejected, err := advisor.Suggest(ctx, titles, existing)
			if err != nil {
				return err
			}
			for _, r := range rejected {
				_, _ = fmt.Fprintf(c.stderr, "rejected %s (%s): %s\n", r.Name, r.Regex, r.Reason)
			}
			if len(accepted) == 0 {
				_, err := fmt.Fprintln(c.stdout, "no usable suggestions")
				return err
			}
			if outPath == "" {
				return extract.WritePatterns(c.stdout, accepted)
			}
			f, err := os.Create(outPath)
			if err != nil {
				return errors.Wrapf(err, "create %s", outPath)
			}
			if err := extract.WritePatterns(f, accepted); err != nil {
				_ = f.Close()
				return err
			}
			if err := f.Close(); err != nil {
				return errors.Wrapf(err, "close %s", outPath)
			}
			_, err = fmt.Fprintf(c.stdout, "wrote %d suggestions to %s\n", len(accepted), outPath)
			return err
		},
	}
	cmd.Flags().String("output-dir", "", "Output directory of the run whose checkpoint is read")
	cmd.Flags().String("checkpoint", "", "Checkpoint path (default <output-dir>/checkpoint.json or .db)")
	cmd.Flags().String("backend", "", "Checkpoint backend: file or sqlite")
	cmd.Flags().String("patterns", "", "Existing pattern file the suggestions extend")
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Write suggestions to this file instead of stdout")
	return cmd
}

func newVersionCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			_, err := fmt.Fprintf(c.stdout, "soldcomp %s\n", version.Current)
			return err
		},
	}
}
