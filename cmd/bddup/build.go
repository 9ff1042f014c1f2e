package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"runtime"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ivoronin/bddup/internal/build"
	"github.com/ivoronin/bddup/internal/hashalgo"
)

// buildOptions holds CLI flags for the build command .
type buildOptions struct {
	output     string
	workingDir   string
	threads    int
	followSymlinks bool
	hashName    string
	sideIndex   string
	noProgress   bool
}

func newBuildCmd() *cobra.Command {
	opts := &buildOptions{
		threads: runtime.NumCPU(),
		hashName: "sha2",
	}

	cmd := &cobra.Command{
		Use:  "build <target>",
		Short: "Walk a directory tree and append its content digests to a hash journal",
		Args: cobra.ExactArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runBuild(args[0], opts)
		},
	}

	cmd.Flags().StringVarP(&opts.output, "output", "o", "", "Journal file to append to (required)")
	cmd.Flags().StringVarP(&opts.workingDir, "working-directory", "w", "", "Root that recorded paths are relative to (default: target)")
	cmd.Flags().IntVar(&opts.threads, "threads", opts.threads, "Number of worker threads")
	cmd.Flags().BoolVar(&opts.followSymlinks, "follow-symlinks", false, "Follow symlinks to directories (default: record link target only)")
	cmd.Flags().StringVar(&opts.hashName, "hash", opts.hashName, "Hash algorithm: sha1|sha2|xxh32|xxh64")
	cmd.Flags().StringVar(&opts.sideIndex, "cache-index", "", "Optional bbolt side-index file for faster re-builds of an unmodified journal")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Disable progress output")
	_ = cmd.MarkFlagRequired("output")

	return cmd
}

func runBuild(target string, opts *buildOptions) error {
	algo, err := parseHashName(opts.hashName)
	if err != nil {
		return &invalidArgsError{msg: err.Error()}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	errs := make(chan error, 100)
	go drainErrors(errs)
	defer close(errs)

	cfg := build.Config{
		Target:     target,
		JournalPath:  opts.output,
		WorkingDir:   opts.workingDir,
		SidePath:    opts.sideIndex,
		Workers:    opts.threads,
		Algorithm:   algo,
		FollowSymlinks: opts.followSymlinks,
		ShowProgress:  !opts.noProgress,
		ErrCh:     errs,
	}

	return build.New(cfg).Run(ctx)
}

// parseHashName maps the CLI's short hash names onto hashalgo.Algorithm
// values; "sha2" is shorthand for hashalgo.SHA256.
func parseHashName(name string) (hashalgo.Algorithm, error) {
	switch name {
	case "sha1":
		return hashalgo.SHA1, nil
	case "sha2":
		return hashalgo.SHA256, nil
	case "xxh32":
		return hashalgo.XXH32, nil
	case "xxh64":
		return hashalgo.XXH64, nil
	default:
		return "", fmt.Errorf("unknown --hash value %q (want sha1|sha2|xxh32|xxh64)", name)
	}
}
