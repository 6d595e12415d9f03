package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/bitkeep/bitkeep/internal/checker"
	"github.com/bitkeep/bitkeep/internal/metadata"
	"github.com/bitkeep/bitkeep/internal/metrics"
	"github.com/bitkeep/bitkeep/pkg/period"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

// pruneDefault is the -p value when no retention file is named.
const pruneDefault = "default"

type checkerFlags struct {
	loopOnce   bool
	loop       bool
	duration   string
	count      int
	ids        []string
	handle     string
	pruneFile  string
	verbose    bool
	countIsSet bool
}

// checkerPlan is a validated checker invocation.
type checkerPlan struct {
	mode      string // "default", "once", "loop", "duration", "count", "list", "handle"
	deadline  time.Duration
	count     int
	ids       []int64
	handle    string
	prune     bool
	pruneFile string // empty means the configured retention
}

func newCheckerCmd(g *globalFlags) *cobra.Command {
	f := &checkerFlags{}
	cmd := &cobra.Command{
		Use:   "checker",
		Short: "Verify stored bitstreams against their checksums",
		Long: `Verify stored bitstreams against their recorded checksums.

Without options one bitstream, the one checked longest ago, is verified.

Examples:
  bitkeep checker -l               # every bitstream once
  bitkeep checker -L               # continuously
  bitkeep checker -d 2h            # for two hours
  bitkeep checker -c 500           # 500 bitstreams
  bitkeep checker -b 12 13 14      # these bitstreams
  bitkeep checker -a 123456789/42  # everything under a handle
  bitkeep checker -p -l            # prune the history first`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f.countIsSet = cmd.Flags().Changed("count")
			plan, err := planChecker(f, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return runChecker(ctx, g, plan, f.verbose)
		},
	}
	cmd.Flags().BoolVarP(&f.loopOnce, "loop", "l", false, "check every bitstream once")
	cmd.Flags().BoolVarP(&f.loop, "continuous", "L", false, "check continuously")
	cmd.Flags().StringVarP(&f.duration, "duration", "d", "", "check for a period (30s, 30m, 2h, 1d, 1w, 1y)")
	cmd.Flags().IntVarP(&f.count, "count", "c", 0, "check this many bitstreams")
	cmd.Flags().StringSliceVarP(&f.ids, "bitstreams", "b", nil, "check these bitstream ids (further ids may follow as arguments)")
	cmd.Flags().StringVarP(&f.handle, "handle", "a", "", "check every bitstream under a handle")
	cmd.Flags().StringVarP(&f.pruneFile, "prune", "p", "", "prune the result history first, optionally with a retention file")
	cmd.Flags().Lookup("prune").NoOptDefVal = pruneDefault
	cmd.Flags().BoolVarP(&f.verbose, "verbose", "v", false, "print every result")
	return cmd
}

// planChecker validates the flags before anything is opened.
func planChecker(f *checkerFlags, args []string) (*checkerPlan, error) {
	plan := &checkerPlan{mode: "default", count: 1}

	if f.pruneFile != "" {
		plan.prune = true
		if f.pruneFile != pruneDefault {
			plan.pruneFile = f.pruneFile
		} else if len(f.ids) == 0 && len(args) == 1 {
			// "-p file" leaves the file as an argument.
			plan.pruneFile = args[0]
			args = nil
		}
	}

	if len(args) > 0 && len(f.ids) == 0 {
		return nil, fmt.Errorf("unexpected arguments %q (bitstream ids must follow -b)", args)
	}

	modes := 0
	for _, set := range []bool{f.loopOnce, f.loop, f.duration != "", f.countIsSet, len(f.ids) > 0, f.handle != ""} {
		if set {
			modes++
		}
	}
	if modes > 1 {
		return nil, errors.New("only one of -l, -L, -d, -c, -b and -a may be given")
	}

	switch {
	case f.loopOnce:
		plan.mode = "once"
	case f.loop:
		plan.mode = "loop"
	case f.duration != "":
		d, err := period.Parse(f.duration)
		if err != nil {
			return nil, err
		}
		plan.mode, plan.deadline = "duration", d
	case f.countIsSet:
		if f.count < 1 {
			return nil, fmt.Errorf("count must be positive, got %d", f.count)
		}
		plan.mode, plan.count = "count", f.count
	case len(f.ids) > 0:
		ids, err := parseBitstreamIDs(append(append([]string{}, f.ids...), args...))
		if err != nil {
			return nil, err
		}
		plan.mode, plan.ids = "list", ids
	case f.handle != "":
		plan.mode, plan.handle = "handle", f.handle
	}
	return plan, nil
}

// parseBitstreamIDs parses every id or fails on the first malformed one.
func parseBitstreamIDs(raw []string) ([]int64, error) {
	ids := make([]int64, 0, len(raw))
	for _, s := range raw {
		for _, field := range strings.Fields(strings.ReplaceAll(s, ",", " ")) {
			id, err := strconv.ParseInt(field, 10, 64)
			if err != nil || id < 1 {
				return nil, fmt.Errorf("invalid bitstream id %q", field)
			}
			ids = append(ids, id)
		}
	}
	if len(ids) == 0 {
		return nil, errors.New("no bitstream ids given")
	}
	return ids, nil
}

// dispatcherFactory maps a plan to the dispatcher chain for one run.
func (p *checkerPlan) dispatcherFactory(now func() time.Time) checker.DispatcherFactory {
	switch p.mode {
	case "once", "loop":
		return func(q metadata.Querier, start time.Time) checker.Dispatcher {
			return checker.NewSimpleDispatcher(q, start, false)
		}
	case "duration":
		deadline := now().Add(p.deadline)
		return func(q metadata.Querier, start time.Time) checker.Dispatcher {
			return checker.NewLimitedDurationDispatcher(checker.NewSimpleDispatcher(q, start, true), deadline)
		}
	case "list":
		return func(metadata.Querier, time.Time) checker.Dispatcher {
			return checker.NewListDispatcher(p.ids)
		}
	case "handle":
		return func(q metadata.Querier, _ time.Time) checker.Dispatcher {
			return checker.NewHandleDispatcher(q, p.handle)
		}
	default:
		count := p.count
		return func(q metadata.Querier, start time.Time) checker.Dispatcher {
			return checker.NewLimitedCountDispatcher(checker.NewSimpleDispatcher(q, start, false), count)
		}
	}
}

func runChecker(ctx context.Context, g *globalFlags, plan *checkerPlan, verbose bool) error {
	a, err := openApp(ctx, g, "checker")
	if err != nil {
		return err
	}
	defer a.Close()

	cm := a.checkerMetrics()
	if plan.prune {
		if err := prune(ctx, a, plan.pruneFile, cm); err != nil {
			return err
		}
	}

	collectors := checker.MultiCollector{checker.LogCollector{}, checker.NewPrometheusCollector(cm)}
	if verbose {
		collectors = append(collectors, checker.NewVerboseCollector(os.Stdout))
	}
	c := checker.New(a.bits,
		checker.WithCollector(collectors),
		checker.WithBatchSize(a.cfg.Checker.BatchSize),
		checker.WithAuditLogger(a.audit),
		checker.WithMetrics(cm),
	)
	newDispatcher := plan.dispatcherFactory(time.Now)

	if plan.mode != "loop" {
		summary, err := c.Run(ctx, newDispatcher)
		_, _ = summary.WriteTo(os.Stdout)
		return err
	}

	if addr := a.cfg.Metrics.Listen; addr != "" {
		stopMetrics := serveMetrics(ctx, a, addr)
		defer stopMetrics()
	}
	pause := a.cfg.Checker.LoopPause.Duration()
	for {
		summary, err := c.Run(ctx, newDispatcher)
		if ctx.Err() != nil {
			_, _ = summary.WriteTo(os.Stdout)
			return nil
		}
		if err != nil {
			return err
		}
		log.Info().Int("checked", summary.Total()).Int("problems", summary.Problems()).Dur("pause", pause).Msg("checker pass finished")
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(pause):
		}
	}
}

// prune removes expired history. A named retention file must exist; without
// one the configured retention is used.
func prune(ctx context.Context, a *app, file string, cm *checker.Metrics) error {
	var (
		retention checker.Retention
		err       error
	)
	if file != "" {
		retention, err = checker.LoadRetention(file)
	} else {
		retention, err = checker.NewRetention(a.cfg.Checker.Retention)
	}
	if err != nil {
		return err
	}
	n, err := checker.NewPruner(a.db, retention, a.audit, cm).Prune(ctx)
	if err != nil {
		return err
	}
	log.Info().Int64("deleted", n).Msg("pruned checksum history")
	return nil
}

// serveMetrics exposes /metrics and samples store capacity until stopped.
func serveMetrics(ctx context.Context, a *app, addr string) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Str("addr", addr).Msg("metrics server failed")
		}
	}()

	collector := metrics.NewCollector()
	collector.Add("capacity", metrics.SamplerFunc(func(ctx context.Context) error {
		_, err := a.bits.Capacity(ctx)
		return err
	}))
	sampleCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	go func() {
		defer close(done)
		collector.Run(sampleCtx, time.Minute)
	}()

	log.Info().Str("addr", addr).Msg("serving metrics")
	return func() {
		cancel()
		<-done
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancelShutdown()
		_ = srv.Shutdown(shutdownCtx)
	}
}
