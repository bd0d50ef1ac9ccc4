package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/jonathan/mats/internal/jobs"
	"github.com/jonathan/mats/internal/observability"
	"github.com/jonathan/mats/internal/pipeline"
	"github.com/jonathan/mats/internal/tools"
	"github.com/jonathan/mats/internal/types"
)

var (
	analyzeTools   []string
	analyzeJSON    bool
	analyzeVerbose bool
)

var analyzeCmd = &cobra.Command{
	Use:   "analyze <apk>",
	Short: "Analyze a local APK without starting the server",
	Long: `Store the APK in the upload directory and run the requested tools in order,
printing progress to stderr and a summary to stdout.

Without --tools every installed tool is run.`,
	Args: cobra.ExactArgs(1),
	RunE: runAnalyze,
}

func init() {
	analyzeCmd.Flags().StringSliceVarP(&analyzeTools, "tools", "t", nil, "Comma-separated tools to run, in order (e.g. jadx,quark)")
	analyzeCmd.Flags().BoolVar(&analyzeJSON, "json", false, "Print the finished job as JSON")
	analyzeCmd.Flags().BoolVarP(&analyzeVerbose, "verbose", "v", false, "Log tool execution details")
	rootCmd.AddCommand(analyzeCmd)
}

func runAnalyze(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := newLogger(cfg, cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	if !analyzeVerbose {
		logger.SetLevel(logrus.WarnLevel)
	}

	store, err := newStore(cfg, logger)
	if err != nil {
		return err
	}
	catalog := newCatalog(cfg, logger)

	names := analyzeTools
	if len(names) == 0 {
		names = installedTools(catalog)
		if len(names) == 0 {
			return fmt.Errorf("no analysis tools are installed; run 'mats tools' for details")
		}
	}
	names = types.NormalizeTools(append([]string(nil), names...))
	if err := types.ValidateTools(names); err != nil {
		return toolsFlagError(err)
	}
	if err := catalog.Validate(names); err != nil {
		return err
	}

	f, err := os.Open(args[0])
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", args[0], err)
	}
	art, err := store.Put(f, filepath.Base(args[0]))
	_ = f.Close()
	if err != nil {
		return fmt.Errorf("failed to store %s: %w", args[0], err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	progress := cmd.ErrOrStderr()
	orch := pipeline.New(jobs.NewRegistry(), store, catalog, pipeline.Options{
		MaxConcurrentJobs: 1,
		Logger:            logger,
		OnProgress: func(ev pipeline.ProgressEvent) {
			fmt.Fprintf(progress, "[%3d%%] %s\n", ev.Progress, ev.Message) //nolint:errcheck
		},
	})

	job, err := orch.Run(ctx, art.ID, names)
	if err != nil {
		return err
	}

	if analyzeJSON {
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		if err := enc.Encode(job); err != nil {
			return err
		}
	} else {
		observability.NewPrinter(cmd.OutOrStdout()).PrintJob(job)
	}

	if job.Status == types.JobStatusFailed {
		return fmt.Errorf("analysis failed: %s", job.Error)
	}
	return nil
}

// toolsFlagError turns a tool list validation failure into a flag error.
func toolsFlagError(err error) error {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return fmt.Errorf("invalid --tools: %w", err)
	}
	fe := verrs[0]
	switch fe.Tag() {
	case "unique":
		return errors.New("--tools must not contain duplicates")
	case "required", "min":
		return errors.New("--tools must not contain empty names")
	case "max":
		return fmt.Errorf("--tools exceeds maximum of %s", fe.Param())
	default:
		return fmt.Errorf("--tools failed %s check", fe.Tag())
	}
}

// installedTools lists available tools in catalog order.
func installedTools(catalog *tools.Catalog) []string {
	health := catalog.Health()
	var names []string
	for _, name := range catalog.Names() {
		if health[name] {
			names = append(names, name)
		}
	}
	return names
}
