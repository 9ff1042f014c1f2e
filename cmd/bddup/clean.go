package main

import (
	"github.com/spf13/cobra"

	"github.com/ivoronin/bddup/internal/clean"
)

type cleanOptions struct {
	keepPaths []string
	sideIndex string
}

func newCleanCmd() *cobra.Command {
	opts := &cleanOptions{}

	cmd := &cobra.Command{
		Use:  "clean <journal>",
		Short: "Compact a journal to the latest still-valid entry for each path",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return clean.Clean(clean.Config{
				JournalPath: args[0],
				SidePath:  opts.sideIndex,
				KeepPaths:  opts.keepPaths,
			})
		},
	}

	cmd.Flags().StringSliceVar(&opts.keepPaths, "keep", nil, "Paths to preserve regardless of current filesystem state")
	cmd.Flags().StringVar(&opts.sideIndex, "cache-index", "", "Optional bbolt side-index file, same as build --cache-index")

	return cmd
}
