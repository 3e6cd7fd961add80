package main

import (
	"context"
	"fmt"
	"io"
	"net/http"

	"github.com/buildbarn/bb-reflink/internal/logger"
	configuration "github.com/buildbarn/bb-reflink/pkg/configuration/bb_reflink_fsx"
	"github.com/buildbarn/bb-reflink/pkg/fileio"
	"github.com/buildbarn/bb-storage/pkg/clock"
	"github.com/buildbarn/bb-storage/pkg/program"
	"github.com/buildbarn/bb-storage/pkg/util"
	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"go.opentelemetry.io/otel"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"google.golang.org/grpc/codes"
)

// bb_reflink_fsx runs a randomized sequence of writes, clones,
// truncations and hole punches against files that share blocks. The
// contents of every file are compared against an in-memory copy, and
// the metadata of the engine is cross-checked for consistency. It is
// modeled after the fsx tool that is used to stress file systems.

type workloadFlags struct {
	seed       int64
	operations int
	check      bool
}

func (wf *workloadFlags) addFlags(flags *pflag.FlagSet) {
	flags.Int64Var(&wf.seed, "seed", 0, "Seed of the random number generator, overriding the configuration")
	flags.IntVar(&wf.operations, "operations", 0, "Number of operations to run, overriding the configuration")
	flags.BoolVar(&wf.check, "check-every-operation", false, "Check the consistency of metadata after every operation")
}

func (wf *workloadFlags) apply(flags *pflag.FlagSet, workloadConfiguration *configuration.WorkloadConfiguration) {
	if flags.Changed("seed") {
		workloadConfiguration.Seed = wf.seed
	}
	if flags.Changed("operations") {
		workloadConfiguration.Operations = wf.operations
	}
	if wf.check {
		workloadConfiguration.CheckEveryOperation = true
	}
}

func newRootCommand(dependenciesGroup program.Group) *cobra.Command {
	var wf workloadFlags
	cmd := &cobra.Command{
		Use:           "bb_reflink_fsx bb_reflink_fsx.jsonnet",
		Short:         "Stress a reflink file system with a randomized workload",
		Args:          cobra.ExactArgs(1),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			fsxConfiguration, err := configuration.GetFsxConfiguration(args[0])
			if err != nil {
				return util.StatusWrapf(err, "Failed to read configuration from %s", args[0])
			}
			wf.apply(cmd.Flags(), &fsxConfiguration.Workload)
			return run(cmd.Context(), dependenciesGroup, fsxConfiguration, cmd.OutOrStdout())
		},
	}
	wf.addFlags(cmd.Flags())
	return cmd
}

func run(ctx context.Context, dependenciesGroup program.Group, fsxConfiguration *configuration.ApplicationConfiguration, out io.Writer) error {
	level, err := zapcore.ParseLevel(fsxConfiguration.LogLevel)
	if err != nil {
		return util.StatusWrapWithCode(err, codes.InvalidArgument, "Invalid log level")
	}
	logConfiguration := zap.NewProductionConfig()
	logConfiguration.Level = zap.NewAtomicLevelAt(level)
	if err := logger.Init(logConfiguration); err != nil {
		return util.StatusWrap(err, "Failed to create logger")
	}
	defer logger.Sync()

	if address := fsxConfiguration.MetricsListenAddress; address != "" {
		serveMetrics(dependenciesGroup, address)
	}

	fs, engine, err := fileio.NewFileSystemFromConfiguration(&fsxConfiguration.FileSystem, clock.SystemClock, otel.GetTracerProvider())
	if err != nil {
		return util.StatusWrap(err, "Failed to create file system")
	}
	if err := fs.Recover(ctx); err != nil {
		return util.StatusWrap(err, "Failed to recover staging extents")
	}

	fileSystemConfiguration := &fsxConfiguration.FileSystem
	logger.Info(
		ctx,
		"Starting workload",
		zap.Int64("seed", fsxConfiguration.Workload.Seed),
		zap.Int("operations", fsxConfiguration.Workload.Operations),
		zap.String("device_size", fileSystemConfiguration.DeviceSizeBytes.String()),
		zap.String("block_size", fileSystemConfiguration.BlockSizeBytes.String()))
	w := newWorkload(fs, engine, &fsxConfiguration.Workload)
	if err := w.run(ctx); err != nil {
		return err
	}

	fmt.Fprintf(out, "Completed %d operations with seed %d\n", fsxConfiguration.Workload.Operations, fsxConfiguration.Workload.Seed)
	for _, name := range operationNames {
		s := w.stats[name]
		fmt.Fprintf(out, "  %-12s %8d runs %8d rejected %8d out of space\n", name, s.runs, s.rejected, s.outOfSpace)
	}
	fmt.Fprintf(out, "Written: %s, cloned: %s\n", humanize.IBytes(w.bytesWritten), humanize.IBytes(w.bytesCloned))
	return nil
}

func serveMetrics(group program.Group, address string) {
	router := http.NewServeMux()
	router.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Addr: address, Handler: router}
	group.Go(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		go func() {
			<-ctx.Done()
			server.Close()
		}()
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return util.StatusWrapf(err, "Failed to serve metrics on %#v", address)
		}
		return nil
	})
}

func main() {
	program.RunMain(func(ctx context.Context, siblingsGroup, dependenciesGroup program.Group) error {
		return newRootCommand(dependenciesGroup).ExecuteContext(ctx)
	})
}
