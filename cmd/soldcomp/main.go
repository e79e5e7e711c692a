package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/cockroachdb/errors"
	"github.com/shpitdev/soldcomp/internal/config"
	"github.com/shpitdev/soldcomp/internal/logging"
	"github.com/shpitdev/soldcomp/pkg/pipeline/redact"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

// Exit codes.
const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// usageError marks problems with flags or configuration; they exit with exitUsage.
type usageError struct{ err error }

func (e *usageError) Error() string { return e.err.Error() }
func (e *usageError) Unwrap() error { return e.err }

func asUsage(err error) error {
	if err == nil {
		return nil
	}
	return &usageError{err: err}
}

// flagKeys maps CLI flags onto configuration keys. A flag only overrides the
// file and environment when it is set on the command line.
var flagKeys = map[string]string{
	"input":         "input.path",
	"encoding":      "input.encoding",
	"output-dir":    "output.dir",
	"markup-rate":   "pricing.markup_rate",
	"fixed-profit":  "pricing.fixed_profit",
	"exchange-rate": "exchange.rate",
	"cookies":       "market.cookie_file",
	"base-url":      "market.base_url",
	"patterns":      "extract.patterns_file",
	"checkpoint":    "checkpoint.path",
	"backend":       "checkpoint.backend",
	"retry-failed":  "checkpoint.retry_failed",
	"xlsx":          "output.xlsx",
	"metrics-addr":  "metrics.addr",
	"log-json":      "log.json",
	"log-level":     "log.level",
}

type cli struct {
	configFile string
	stdout     io.Writer
	stderr     io.Writer
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	code := execute(ctx, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}

func execute(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(&cli{stdout: stdout, stderr: stderr})
	root.SetArgs(args)
	root.SetOut(stdout)
	root.SetErr(stderr)
	err := root.ExecuteContext(ctx)
	if err == nil {
		return exitOK
	}
	var ue *usageError
	if errors.As(err, &ue) {
		_, _ = fmt.Fprintf(stderr, "config error: %s\n", redact.Secrets(err.Error()))
		for _, h := range errors.GetAllHints(err) {
			_, _ = fmt.Fprintf(stderr, "hint: %s\n", h)
		}
		return exitUsage
	}
	_, _ = fmt.Fprintf(stderr, "soldcomp: %s\n", redact.Secrets(err.Error()))
	for _, h := range errors.GetAllHints(err) {
		_, _ = fmt.Fprintf(stderr, "hint: %s\n", h)
	}
	return exitFailed
}

func newRootCmd(c *cli) *cobra.Command {
	root := &cobra.Command{
		Use:   "soldcomp",
		Short: "Compare listing prices against recently sold marketplace items",
		Long: `soldcomp reads a table of listings, extracts a model identifier from each title,
looks up recently sold comparables on the marketplace and computes the resale profit.

Runs are resumable: finalized records are checkpointed and skipped on the next run.

Examples:
  soldcomp run --input listings.csv --cookies cookies.json
  soldcomp dry-run --input listings.csv --limit 20
  soldcomp extract "グランドセイコー SBGA211 のサムネイル"
  soldcomp suggest-patterns --input listings.csv`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.SetFlagErrorFunc(func(_ *cobra.Command, err error) error {
		return asUsage(err)
	})

	pf := root.PersistentFlags()
	pf.StringVar(&c.configFile, "config", "", "Config file (default ./"+config.DefaultConfigFile+" when present)")
	pf.Bool("log-json", false, "Log JSON lines instead of console output")
	pf.String("log-level", "", "Log level: debug, info, warn, error")

	root.AddCommand(
		newRunCmd(c),
		newDryRunCmd(c),
		newExtractCmd(c),
		newSuggestCmd(c),
		newVersionCmd(c),
	)
	return root
}

// addInputFlags registers the flags shared by commands that read the input table.
func addInputFlags(fs *pflag.FlagSet) {
	fs.String("input", "", "Input CSV with title and price columns")
	fs.String("encoding", "", "Input encoding: auto, utf-8, shift_jis")
	fs.String("patterns", "", "YAML extraction pattern file (default: built-in patterns)")
	fs.String("markup-rate", "", "Markup rate applied to the source price, e.g. 0.2")
	fs.Int64("fixed-profit", 0, "Fixed profit in source minor units")
	fs.String("exchange-rate", "", "Source units per one target unit; implies exchange.mode=fixed")
}

// loadConfig layers defaults, the config file, SOLDCOMP_* variables and the
// flags set on cmd, then validates.
func (c *cli) loadConfig(cmd *cobra.Command) (config.Config, error) {
	v, err := config.NewViper(c.configFile)
	if err != nil {
		return config.Config{}, asUsage(err)
	}
	if err := bindFlags(v, cmd.Flags()); err != nil {
		return config.Config{}, asUsage(err)
	}
	if f := cmd.Flags().Lookup("exchange-rate"); f != nil && f.Changed {
		v.Set("exchange.mode", config.ExchangeFixed)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, asUsage(err)
	}
	return cfg, nil
}

func bindFlags(v *viper.Viper, fs *pflag.FlagSet) error {
	for name, key := range flagKeys {
		f := fs.Lookup(name)
		if f == nil {
			continue
		}
		if err := v.BindPFlag(key, f); err != nil {
			return errors.Wrapf(err, "bind --%s", name)
		}
	}
	return nil
}

func (c *cli) logger(cfg config.Config) (*zap.Logger, error) {
	logger, err := logging.New(logging.Options{
		JSON:   cfg.Log.JSON,
		Level:  cfg.Log.Level,
		Output: c.stderr,
	})
	if err != nil {
		return nil, asUsage(err)
	}
	return logger, nil
}
