package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	sigar "github.com/cloudfoundry/gosigar"
	"github.com/inhies/go-bytesize"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v2"

	"github.com/joshuapare/heapkit/heap"
	"github.com/joshuapare/heapkit/heap/freelist"
	"github.com/joshuapare/heapkit/heap/page"
)

// Size is a byte count written as "256KB", "1.5MB" or a plain integer.
type Size bytesize.ByteSize

var _ pflag.Value = (*Size)(nil)

// ParseSize parses a human-readable size. A bare number is a byte count.
func ParseSize(s string) (Size, error) {
	if n, err := strconv.ParseUint(strings.TrimSpace(s), 10, 64); err == nil {
		return Size(n), nil
	}
	b, err := bytesize.Parse(s)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", s, err)
	}
	return Size(b), nil
}

func (s Size) String() string { return bytesize.ByteSize(s).String() }

// Int returns the size as an int.
func (s Size) Int() int { return int(s) }

// Set implements pflag.Value.
func (s *Size) Set(v string) error {
	parsed, err := ParseSize(v)
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// Type implements pflag.Value.
func (s *Size) Type() string { return "size" }

// UnmarshalYAML accepts both numbers and size strings.
func (s *Size) UnmarshalYAML(unmarshal func(any) error) error {
	var n uint64
	if err := unmarshal(&n); err == nil {
		*s = Size(n)
		return nil
	}
	var str string
	if err := unmarshal(&str); err != nil {
		return err
	}
	return s.Set(str)
}

// MarshalYAML writes the size in its human-readable form.
func (s Size) MarshalYAML() (any, error) { return s.String(), nil }

// MarshalJSON writes the size in bytes.
func (s Size) MarshalJSON() ([]byte, error) { return fmt.Appendf(nil, "%d", uint64(s)), nil }

// Workload describes a stress run.
type Workload struct {
	Threads      int    `yaml:"threads" json:"threads"`
	Ops          int    `yaml:"ops" json:"ops"`
	MinSize      Size   `yaml:"min_size" json:"min_size"`
	MaxSize      Size   `yaml:"max_size" json:"max_size"`
	Live         int    `yaml:"live" json:"live"`
	CollectEvery int    `yaml:"collect_every" json:"collect_every"`
	PageSize     Size   `yaml:"page_size" json:"page_size"`
	MaxHeap      Size   `yaml:"max_heap" json:"max_heap"`
	LABSize      Size   `yaml:"lab_size" json:"lab_size"`
	Policy       string `yaml:"policy" json:"policy"`
	Source       string `yaml:"source" json:"source"`
	File         string `yaml:"file,omitempty" json:"file,omitempty"`
	Seed         uint64 `yaml:"seed" json:"seed"`
}

var errInvalidWorkload = errors.New("invalid workload")

// defaultWorkload returns the workload used when no config or flag overrides it.
func defaultWorkload() Workload {
	return Workload{
		Threads:      4,
		Ops:          100_000,
		MinSize:      16,
		MaxSize:      512,
		Live:         1024,
		CollectEvery: 10_000,
		PageSize:     256 * Size(bytesize.KB),
		LABSize:      32 * Size(bytesize.KB),
		Policy:       string(freelist.PolicyManyCached),
		Source:       "memory",
		Seed:         1,
	}
}

// loadWorkload overlays the YAML file at path onto w. Unknown keys are errors.
func loadWorkload(path string, w *Workload) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read workload: %w", err)
	}
	if err := yaml.UnmarshalStrict(data, w); err != nil {
		return fmt.Errorf("failed to parse workload %s: %w", path, err)
	}
	return nil
}

func (w *Workload) validate() error {
	switch {
	case w.Threads < 1:
		return fmt.Errorf("%w: threads must be at least 1", errInvalidWorkload)
	case w.Ops < 0 || w.Live < 0 || w.CollectEvery < 0:
		return fmt.Errorf("%w: negative count", errInvalidWorkload)
	case w.MinSize == 0 || w.MinSize > w.MaxSize:
		return fmt.Errorf("%w: sizes must satisfy 0 < min (%s) <= max (%s)", errInvalidWorkload, w.MinSize, w.MaxSize)
	case w.MaxSize > w.PageSize:
		return fmt.Errorf("%w: max size %s exceeds the page size %s", errInvalidWorkload, w.MaxSize, w.PageSize)
	case w.Source == "file" && w.File == "":
		return fmt.Errorf("%w: the file source needs --file", errInvalidWorkload)
	}
	if _, err := freelist.ParsePolicy(w.Policy); err != nil {
		return fmt.Errorf("%w: %w", errInvalidWorkload, err)
	}
	return nil
}

// maxPages converts the heap cap to a page count. A zero cap is derived from
// system memory.
func (w *Workload) maxPages() int {
	limit := w.MaxHeap
	if limit == 0 {
		limit = defaultMaxHeap()
	}
	return max(1, int(uint64(limit)/uint64(w.PageSize)))
}

// defaultMaxHeap caps a run at an eighth of physical memory, at most 1GB.
func defaultMaxHeap() Size {
	const fallback = 256 * Size(bytesize.MB)
	mem := sigar.Mem{}
	if err := mem.Get(); err != nil || mem.Total == 0 {
		return fallback
	}
	return min(Size(mem.Total/8), Size(bytesize.GB))
}

// newSource opens the page source named by the workload.
func (w *Workload) newSource() (page.Source, error) {
	cfg := page.Config{
		PageSize: w.PageSize.Int(),
		MaxPages: w.maxPages(),
		PoolSize: page.DefaultConfig().PoolSize,
	}
	switch w.Source {
	case "memory", "":
		return page.NewMemorySource(cfg)
	case "mmap":
		return page.NewMmapSource(cfg)
	case "file":
		return page.NewFileSource(w.File, cfg)
	default:
		return nil, fmt.Errorf("%w: unknown source %q", errInvalidWorkload, w.Source)
	}
}

// heapOptions builds the heap options for the workload around src.
func (w *Workload) heapOptions(src page.Source, c heap.Collector) *heap.Options {
	policy, _ := freelist.ParsePolicy(w.Policy)
	lab := w.LABSize.Int()
	if lab == 0 {
		lab = -1
	}
	return &heap.Options{
		Source:    src,
		Policy:    policy,
		LABSize:   lab,
		Collector: c,
	}
}
