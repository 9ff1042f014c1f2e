package main

import (
	"github.com/spf13/cobra"

	"github.com/ivoronin/bddup/internal/analyze"
)

type analyzeOptions struct {
	output     string
	includeSymlinks bool
	includeOther  bool
	noProgress   bool
}

func newAnalyzeCmd() *cobra.Command {
	opts := &analyzeOptions{}

	cmd := &cobra.Command{
		Use:  "analyze <journal>",
		Short: "Read a hash journal and emit the maximal set of duplicate-path records",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runAnalyze(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Duplicate-set file to write (required)")
	cmd.Flags().BoolVar(&opts.includeSymlinks, "include-symlinks", false, "Include symlinks in duplicate grouping")
	cmd.Flags().BoolVar(&opts.includeOther, "include-other", false, "Include sockets/devices/FIFOs in duplicate grouping")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runAnalyze(journalPath string, opts *analyzeOptions) error {
	cfg := analyze.Config{
		JournalPath:   journalPath,
		OutputPath:   opts.output,
		IncludeSymlinks: opts.includeSymlinks,
		IncludeOther:  opts.includeOther,
		ShowProgress:  !opts.noProgress,
	}
	return analyze.New(cfg).Run()
}
