package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
)

type cliOptions struct {
	skipLowest bool
	bufferSize int
	extension  string
	noProgress bool
	verbose    bool
	report     bool
	scratchDir string
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err.Error())
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	opts := &cliOptions{}

	cmd := &cobra.Command{
		Use:   "spacedump [flags] <input-disk>... <output-directory>",
		Short: "Extract Storage Spaces pool members into dynamic VHDX files",
		Long: "spacedump reads GPT disks and disk images, finds Storage Spaces pool partitions\n" +
			"and writes every member space of the pool to its own dynamic container.",
		Version:       appversion,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) < 2 {
				return cmd.Help()
			}
			return runDump(cmd, args[:len(args)-1], args[len(args)-1], opts)
		},
	}

	flags := cmd.PersistentFlags()
	flags.BoolVarP(&opts.verbose, "verbose", "v", false, "Verbose logging")
	flags.StringVar(&opts.scratchDir, "scratch-dir", "", "Directory for temporary copies (default: system temp directory)")

	cmd.Flags().BoolVar(&opts.skipLowest, "skip-lowest-member", false, "Do not dump the pool member with the lowest ID")
	cmd.Flags().IntVar(&opts.bufferSize, "buffer-size", defaultBufferSize, "Copy buffer size in bytes")
	cmd.Flags().StringVar(&opts.extension, "extension", defaultExtension, "Output container format and file extension")
	cmd.Flags().BoolVar(&opts.noProgress, "no-progress", false, "Do not show live progress")
	cmd.Flags().BoolVar(&opts.report, "report", false, "Log the run report as JSON when done")

	cmd.AddCommand(newPartitionsCmd(opts), newProbeCmd(opts), newDevicesCmd())
	return cmd
}

func newPartitionsCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:     "partitions <disk>",
		Aliases: []string{"p", "part"},
		Short:   "List the GPT partitions of a disk or disk image",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoader(opts, func(l *diskLoader) error {
				return listPartitions(cmd.OutOrStdout(), args[0], l)
			})
		},
	}
}

func newProbeCmd(opts *cliOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "probe <disk>",
		Short: "Show the declared and detected sector size of a disk or disk image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLoader(opts, func(l *diskLoader) error {
				return printProbe(cmd.OutOrStdout(), args[0], l)
			})
		},
	}
}

func newDevicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:     "devices",
		Aliases: []string{"d", "disks"},
		Short:   "List partitions known to the operating system",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return listDevices(cmd.OutOrStdout(), newPartitionEnumerator())
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: logLevel,
	}))
}

// withLoader runs fn with a disk loader whose scratch space is removed
// afterwards and on SIGINT/SIGTERM.
func withLoader(opts *cliOptions, fn func(*diskLoader) error) error {
	log := newLogger(opts.verbose)

	scratch, err := newScratchSpace(opts.scratchDir)
	if err != nil {
		return err
	}
	stop := cleanupOnSignal(scratch, log)
	defer stop()
	defer func() {
		if err := scratch.Cleanup(); err != nil {
			log.Warn("cannot remove scratch space", "path", scratch.Dir(), "error", err)
		}
	}()

	bufSize := opts.bufferSize
	if bufSize <= 0 {
		bufSize = defaultBufferSize
	}
	loader := &diskLoader{
		scratch: scratch,
		enum:    newPartitionEnumerator(),
		log:     log,
		bufSize: bufSize,
	}
	if !opts.noProgress {
		loader.progress = func(label string, total int64) (progressFunc, func()) {
			p := newProgressPrinter(os.Stdout, label, total, defaultProgressInterval, time.Now)
			return p.Report, p.Finish
		}
	}
	return fn(loader)
}

// cleanupOnSignal removes the scratch space and exits when the process is
// interrupted. The returned function stops watching.
func cleanupOnSignal(scratch *scratchSpace, log logger) func() {
	sigs := make(chan os.Signal, 1)
	done := make(chan struct{})
	signal.Notify(sigs, os.Interrupt, syscall.SIGTERM)

	go func() {
		select {
		case sig := <-sigs:
			log.Warn("interrupted, removing scratch space", "signal", sig.String())
			if err := scratch.Cleanup(); err != nil {
				log.Error("cannot remove scratch space", "error", err)
			}
			os.Exit(130)
		case <-done:
		}
	}()

	return func() {
		signal.Stop(sigs)
		close(done)
	}
}

func runDump(cmd *cobra.Command, inputs []string, outputDir string, opts *cliOptions) error {
	return withLoader(opts, func(loader *diskLoader) error {
		log := loader.log

		type loadFailure struct {
			path string
			err  error
		}
		var disks []Disk
		var failures []loadFailure
		for _, path := range inputs {
			disk, err := loader.Load(path)
			if err != nil {
				failures = append(failures, loadFailure{path, err})
				log.Error("cannot open disk", "disk", path, "error", err)
				continue
			}
			disks = append(disks, disk)
		}
		defer func() {
			for _, d := range disks {
				if err := d.Close(); err != nil {
					log.Warn("error closing disk", "disk", d.Name(), "error", err)
				}
			}
		}()

		if len(disks) == 0 {
			_ = cmd.Usage()
			return fmt.Errorf("%w: no input disk could be opened", ErrSourceUnavailable)
		}

		policy := MemberPolicyAll
		if opts.skipLowest {
			policy = MemberPolicySkipLowest
		}
		configOpts := []ConfigOption{
			WithBufferSize(opts.bufferSize),
			WithExtension(opts.extension),
			WithMemberPolicy(policy),
			WithLogger(log),
			WithReportHook(func(r *DumpReport) {
				if opts.report {
					log.Info("dump finished", "report", r.String())
				}
			}),
		}
		if !opts.noProgress {
			configOpts = append(configOpts, WithProgress(os.Stdout, defaultProgressInterval))
		}

		dumper, err := newSpaceDumper(outputDir, NewConfig(configOpts...))
		if err != nil {
			return err
		}
		for _, f := range failures {
			dumper.RecordLoadFailure(f.path, f.err)
		}

		report := dumper.Run(disks)
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Dumped %d member(s), %s written, %d failed, %d skipped, %d unreadable pool(s) in %s\n",
			report.MembersDumped, formatBytes(report.BytesWritten), report.MembersFailed,
			report.MembersSkipped, report.PoolsFailed, report.Duration.Truncate(time.Millisecond))

		if report.Failed() {
			return fmt.Errorf("completed with errors: %w", report.LastError)
		}
		return nil
	})
}
