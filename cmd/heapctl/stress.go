package main

import (
	"encoding/json"
	"fmt"
	"math/rand/v2"
	"os"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/internal/logger"
	"github.com/joshuapare/heapkit/internal/writer"
)

var (
	stressConfig   string
	stressReport   string
	stressWorkload = defaultWorkload()
)

func init() {
	cmd := newStressCmd()
	f := cmd.Flags()
	w := &stressWorkload
	f.StringVar(&stressConfig, "config", "", "YAML workload file; flags override its values")
	f.StringVar(&stressReport, "report", "", "Also write the JSON result to this file")
	f.IntVar(&w.Threads, "threads", w.Threads, "Views allocating concurrently (the first is the main view)")
	f.IntVar(&w.Ops, "ops", w.Ops, "Allocations per view")
	f.Var(&w.MinSize, "min-size", "Smallest allocation")
	f.Var(&w.MaxSize, "max-size", "Largest allocation")
	f.IntVar(&w.Live, "live", w.Live, "Objects each view keeps alive")
	f.IntVar(&w.CollectEvery, "collect-every", w.CollectEvery, "Background views request a collection every N allocations (0 disables)")
	f.Var(&w.PageSize, "page-size", "Heap page size")
	f.Var(&w.MaxHeap, "max-heap", "Heap cap (default: an eighth of system memory, at most 1GB)")
	f.Var(&w.LABSize, "lab-size", "Linear allocation area size (0 disables)")
	f.StringVar(&w.Policy, "policy", w.Policy, "Free list policy")
	f.StringVar(&w.Source, "source", w.Source, "Page source: memory, mmap or file")
	f.StringVar(&w.File, "file", "", "Backing file for the file source")
	f.Uint64Var(&w.Seed, "seed", w.Seed, "Random seed")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocation workload",
		Long: `The stress command allocates from one main view and several background
views at once. Each view keeps a bounded set of live objects and retires the
rest as garbage, which a reclaiming collector frees during pauses. Every
retired object is checked for corruption before it is freed.

Example:
  heapctl stress --threads 8 --ops 200000
  heapctl stress --policy fastpath --source mmap --max-heap 64MB
  heapctl stress --config workload.yaml --json
  heapctl stress --report results/run.json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			w := stressWorkload
			if stressConfig != "" {
				base := defaultWorkload()
				if err := loadWorkload(stressConfig, &base); err != nil {
					return err
				}
				w = mergeFlags(cmd, base, stressWorkload)
			}
			res, err := runStress(w)
			if err != nil {
				return err
			}
			if stressReport != "" {
				if err := saveReport(&writer.File{Path: stressReport}, res); err != nil {
					return err
				}
			}
			return printStress(res)
		},
	}
	return cmd
}

// mergeFlags returns base with the values of explicitly set flags taken from flags.
func mergeFlags(cmd *cobra.Command, base, flags Workload) Workload {
	set := func(name string) bool { return cmd.Flags().Changed(name) }
	if set("threads") {
		base.Threads = flags.Threads
	}
	if set("ops") {
		base.Ops = flags.Ops
	}
	if set("min-size") {
		base.MinSize = flags.MinSize
	}
	if set("max-size") {
		base.MaxSize = flags.MaxSize
	}
	if set("live") {
		base.Live = flags.Live
	}
	if set("collect-every") {
		base.CollectEvery = flags.CollectEvery
	}
	if set("page-size") {
		base.PageSize = flags.PageSize
	}
	if set("max-heap") {
		base.MaxHeap = flags.MaxHeap
	}
	if set("lab-size") {
		base.LABSize = flags.LABSize
	}
	if set("policy") {
		base.Policy = flags.Policy
	}
	if set("source") {
		base.Source = flags.Source
	}
	if set("file") {
		base.File = flags.File
	}
	if set("seed") {
		base.Seed = flags.Seed
	}
	return base
}

// StressResult is the outcome of a stress run.
type StressResult struct {
	Workload  Workload      `json:"workload"`
	Duration  time.Duration `json:"duration"`
	Ops       uint64        `json:"ops"`
	Failures  uint64        `json:"failures"`
	Corrupted uint64        `json:"corrupted"`
	Reclaimed uint64        `json:"reclaimed_bytes"`
	Stats     heap.Stats    `json:"stats"`
}

// worker drives one view.
type worker struct {
	id   int
	view *heap.View
	rng  *rand.Rand
	tag  byte

	live    []freelist.Range
	garbage []freelist.Range // read by the collector while the view is parked

	ops       uint64
	failures  uint64
	corrupted uint64
}

// reclaimer frees every retired object of every worker.
type reclaimer struct {
	workers []*worker
	freed   uint64
}

func (r *reclaimer) Collect(c *heap.Collection) error {
	for _, w := range r.workers {
		for _, g := range w.garbage {
			c.Free(g.Address(), int(g.Size))
			r.freed += uint64(g.Size)
		}
		w.garbage = w.garbage[:0]
	}
	return nil
}

func runStress(w Workload) (*StressResult, error) {
	if err := w.validate(); err != nil {
		return nil, err
	}
	src, err := w.newSource()
	if err != nil {
		return nil, fmt.Errorf("failed to open %s source: %w", w.Source, err)
	}

	rec := &reclaimer{}
	h, err := heap.New(w.heapOptions(src, rec))
	if err != nil {
		src.Close()
		return nil, err
	}

	printVerbose("Running %d views x %d ops, sizes %s..%s, policy %s, source %s\n",
		w.Threads, w.Ops, w.MinSize, w.MaxSize, w.Policy, w.Source)
	logger.Info("stress start", "threads", w.Threads, "ops", w.Ops, "policy", w.Policy, "source", w.Source)

	workers := make([]*worker, w.Threads)
	for i := range workers {
		kind := heap.Background
		if i == 0 {
			kind = heap.Main
		}
		workers[i] = &worker{
			id:   i,
			view: h.NewView(kind),
			rng:  rand.New(rand.NewPCG(w.Seed, uint64(i))),
			tag:  byte(i%250 + 1),
		}
	}
	rec.workers = workers

	start := time.Now()
	var wg sync.WaitGroup
	for _, wk := range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			wk.run(h, w)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	// Sweep what the last views retired, then check the heap.
	if err := h.CollectGarbage(nil, heap.GCMajor, "stress finished"); err != nil {
		return nil, err
	}
	if err := h.Verify(nil); err != nil {
		return nil, err
	}

	res := &StressResult{
		Workload:  w,
		Duration:  elapsed,
		Reclaimed: rec.freed,
		Stats:     h.Stats(),
	}
	for _, wk := range workers {
		res.Ops += wk.ops
		res.Failures += wk.failures
		res.Corrupted += wk.corrupted
	}
	logger.Info("stress done", "ops", res.Ops, "failures", res.Failures, "corrupted", res.Corrupted,
		"duration", elapsed)

	if err := h.Close(); err != nil {
		return nil, err
	}
	if res.Corrupted > 0 {
		return res, fmt.Errorf("%d objects were corrupted", res.Corrupted)
	}
	return res, nil
}

func (wk *worker) run(h *heap.Heap, w Workload) {
	v := wk.view
	v.Unpark()
	span := int(w.MaxSize - w.MinSize + 1)
	for i := range w.Ops {
		size := int(w.MinSize) + wk.rng.IntN(span)
		origin := freelist.OriginRuntime
		if wk.rng.IntN(4) == 0 {
			origin = freelist.OriginGC
		}
		r, ok := v.AllocateRawWith(size, origin, heap.RetryLight)
		wk.ops++
		if !ok {
			wk.failures++
			continue
		}
		fill(r, wk.tag)
		wk.live = append(wk.live, r)
		if len(wk.live) > w.Live {
			wk.retire(wk.live[0])
			wk.live = wk.live[1:]
		}
		if w.CollectEvery > 0 && !v.IsMain() && (i+1)%w.CollectEvery == 0 {
			_ = h.RequestCollection(v, "stress")
		}
		v.Safepoint()
	}
	for _, r := range wk.live {
		wk.retire(r)
	}
	wk.live = nil
	v.Park()
	v.Close()
}

// retire checks r for corruption and queues it for the collector.
func (wk *worker) retire(r freelist.Range) {
	for _, b := range r.Bytes() {
		if b != wk.tag {
			wk.corrupted++
			break
		}
	}
	wk.garbage = append(wk.garbage, r)
}

func fill(r freelist.Range, tag byte) {
	b := r.Bytes()
	for i := range b {
		b[i] = tag
	}
}

// saveReport writes res as indented JSON to sink.
func saveReport(sink writer.Sink, res *StressResult) error {
	buf, err := json.MarshalIndent(res, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode report: %w", err)
	}
	if err := sink.WriteReport(append(buf, '\n')); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	return nil
}

func printStress(res *StressResult) error {
	if jsonOut {
		return printJSON(res)
	}
	if quiet {
		return nil
	}
	w := res.Workload
	rate := float64(res.Ops) / res.Duration.Seconds()
	fmt.Fprintf(os.Stdout, "Workload: %d views, %s ops, %s..%s, policy %s, source %s\n",
		w.Threads, humanize.Comma(int64(res.Ops)), w.MinSize, w.MaxSize, w.Policy, w.Source)
	fmt.Fprintf(os.Stdout, "Elapsed:  %s (%s allocations/s)\n",
		res.Duration.Round(time.Millisecond), humanize.Comma(int64(rate)))
	fmt.Fprintf(os.Stdout, "Failures: %s, reclaimed %s\n",
		humanize.Comma(int64(res.Failures)), humanize.IBytes(res.Reclaimed))
	res.Stats.Report(os.Stdout)
	return nil
}
