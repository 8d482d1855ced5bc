package main

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"sync"
	"time"
	"unsafe"

	"github.com/spf13/cobra"
	"golang.org/x/text/language"

	"github.com/akioCL/o3de-sub000/hpha"
	"github.com/akioCL/o3de-sub000/pkg/pages"
)

type stressOptions struct {
	Preset  string
	Workers int
	Ops     int
	MaxSize int
	Seed    uint64
	GCEvery int
	Limit   uint
	Track   bool
	Lang    string
}

var stressOpts = stressOptions{
	Preset:  "default",
	Workers: 4,
	Ops:     100_000,
	MaxSize: 8192,
	Seed:    1,
	Lang:    "en",
}

func init() {
	cmd := newStressCmd()
	f := cmd.Flags()
	f.StringVar(&stressOpts.Preset, "preset", stressOpts.Preset, "Configuration preset ("+presetNames()+")")
	f.IntVar(&stressOpts.Workers, "workers", stressOpts.Workers, "Number of concurrent goroutines")
	f.IntVar(&stressOpts.Ops, "ops", stressOpts.Ops, "Operations per worker")
	f.IntVar(&stressOpts.MaxSize, "max-size", stressOpts.MaxSize, "Largest request in bytes")
	f.Uint64Var(&stressOpts.Seed, "seed", stressOpts.Seed, "Random seed")
	f.IntVar(&stressOpts.GCEvery, "gc-every", 0, "Collect garbage every N operations per worker (0 = never)")
	f.UintVar(&stressOpts.Limit, "limit", 0, "Cap page memory at this many bytes (0 = unlimited)")
	f.BoolVar(&stressOpts.Track, "track", false, "Keep per-allocation records")
	f.StringVar(&stressOpts.Lang, "lang", stressOpts.Lang, "Locale for number formatting in the report")
	rootCmd.AddCommand(cmd)
}

func newStressCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stress",
		Short: "Run a concurrent allocation workload and report statistics",
		Long: `The stress command starts several goroutines that allocate, reallocate
and free random sizes and alignments on one shared heap. Every block is
filled with a per-block pattern that is verified before it is touched
again, so any overlap between live blocks is reported as an error.

Example:
  hphactl stress
  hphactl stress --preset wide --workers 8 --ops 500000 --gc-every 10000
  hphactl stress --limit 67108864 -v`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			log, closeLog, err := newLogger(cmd)
			if err != nil {
				return err
			}
			defer closeLog()
			return runStress(cmd.OutOrStdout(), log, stressOpts)
		},
	}
}

// stressBlock is one live block owned by a worker.
type stressBlock struct {
	p           unsafe.Pointer
	size, align uintptr
	tag         byte
}

func (b *stressBlock) bytes() []byte {
	return unsafe.Slice((*byte)(b.p), b.size)
}

func (b *stressBlock) fill() {
	buf := b.bytes()
	for i := range buf {
		buf[i] = b.tag ^ byte(i)
	}
}

// verify returns the index of the first byte that does not match the
// pattern, or -1.
func (b *stressBlock) verify() int {
	buf := b.bytes()
	for i := range buf {
		if buf[i] != b.tag^byte(i) {
			return i
		}
	}
	return -1
}

type stressResult struct {
	allocs, frees, reallocs, failed, collections int
}

var stressAlignments = []uintptr{0, 0, 0, 8, 16, 32, 64, 256, 4096}

func runStress(out io.Writer, log *slog.Logger, o stressOptions) error {
	if o.Workers <= 0 || o.Ops <= 0 || o.MaxSize <= 0 {
		return errors.New("workers, ops and max-size must be positive")
	}
	tag, err := language.Parse(o.Lang)
	if err != nil {
		return fmt.Errorf("bad --lang: %w", err)
	}
	cfg, err := lookupPreset(o.Preset)
	if err != nil {
		return err
	}
	cfg.Logger = log
	cfg.TrackRecords = o.Track
	if o.Limit > 0 {
		cfg.Source = pages.NewCounting(nil, uintptr(o.Limit))
	}
	a, err := hpha.New(&cfg)
	if err != nil {
		return err
	}

	log.Info("stress start", "preset", cfg.Name, "workers", o.Workers, "ops", o.Ops,
		"max_size", o.MaxSize, "seed", o.Seed)
	start := time.Now()

	results := make([]stressResult, o.Workers)
	errs := make([]error, o.Workers)
	var wg sync.WaitGroup
	for w := range o.Workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results[w], errs[w] = stressWorker(a, o, w)
		}()
	}
	wg.Wait()
	elapsed := time.Since(start)

	if err := errors.Join(errs...); err != nil {
		return err
	}
	var total stressResult
	for _, r := range results {
		total.allocs += r.allocs
		total.frees += r.frees
		total.reallocs += r.reallocs
		total.failed += r.failed
		total.collections += r.collections
	}

	// Report before Close collects, so the pages still held show up.
	if err := a.Stats().Report(out, tag); err != nil {
		return err
	}
	ops := o.Workers * o.Ops
	fmt.Fprintf(out, "%d ops in %s (%.0f ops/s): %d allocs, %d reallocs, %d frees, %d failed, %d collections\n",
		ops, elapsed.Round(time.Millisecond), float64(ops)/elapsed.Seconds(),
		total.allocs, total.reallocs, total.frees, total.failed, total.collections)
	log.Info("stress done", "elapsed", elapsed, "failed", total.failed)

	return a.Close()
}

func stressWorker(a *hpha.Allocator, o stressOptions, w int) (stressResult, error) {
	var res stressResult
	rng := rand.New(rand.NewPCG(o.Seed, uint64(w)))
	var held []stressBlock

	check := func(b *stressBlock) error {
		if i := b.verify(); i >= 0 {
			return fmt.Errorf("worker %d: block %p (size %d, alignment %d) corrupted at byte %d",
				w, b.p, b.size, b.align, i)
		}
		return nil
	}
	release := func() error {
		for i := range held {
			if err := check(&held[i]); err != nil {
				return err
			}
			a.Deallocate(held[i].p, held[i].size, held[i].align)
			res.frees++
		}
		held = held[:0]
		return nil
	}

	for i := range o.Ops {
		if o.GCEvery > 0 && i > 0 && i%o.GCEvery == 0 {
			a.GarbageCollect()
			res.collections++
		}

		switch op := rng.IntN(10); {
		case op < 5 || len(held) == 0:
			b := stressBlock{
				size:  uintptr(1 + rng.IntN(o.MaxSize)),
				align: stressAlignments[rng.IntN(len(stressAlignments))],
				tag:   byte(rng.Uint32()),
			}
			if b.p = a.Allocate(b.size, b.align); b.p == nil {
				res.failed++
				continue
			}
			b.fill()
			held = append(held, b)
			res.allocs++

		case op < 8:
			j := rng.IntN(len(held))
			b := held[j]
			if err := check(&b); err != nil {
				return res, err
			}
			a.Deallocate(b.p, b.size, b.align)
			held[j] = held[len(held)-1]
			held = held[:len(held)-1]
			res.frees++

		default:
			j := rng.IntN(len(held))
			b := &held[j]
			if err := check(b); err != nil {
				return res, err
			}
			size := uintptr(1 + rng.IntN(o.MaxSize))
			np := a.Reallocate(b.p, size, b.align)
			if np == nil {
				res.failed++
				continue
			}
			kept := stressBlock{p: np, size: min(size, b.size), tag: b.tag}
			if err := check(&kept); err != nil {
				return res, fmt.Errorf("reallocation lost data: %w", err)
			}
			b.p, b.size = np, size
			b.fill()
			res.reallocs++
		}
	}
	return res, release()
}
