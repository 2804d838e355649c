package freelist

import (
	"fmt"
	"math"
	"strings"

	"github.com/joshuapare/heapkit/internal/format"
)

// BucketConfig defines the size buckets of a free list.
// Either Mins is given explicitly, or the buckets are generated from the
// linear and geometric settings.
type BucketConfig struct {
	// Name for this configuration (for reports and benchmarks)
	Name string

	// MinBlockSize is the smallest chunk kept on a list; smaller frees are waste.
	MinBlockSize uint32

	// Mins lists the lower bound of every bucket, ascending.
	Mins []uint32

	// Generated buckets: linear steps up to SmallMax, then geometric growth.
	SmallMin       uint32
	SmallMax       uint32
	SmallIncrement uint32
	MediumMax      uint32
	GrowthFactor   float64

	// PreciseMax is the largest size selected through the lookup table;
	// bucket bounds above the first must be multiples of PreciseStep up to it.
	// Zero disables the table and every selection scans.
	PreciseMax  uint32
	PreciseStep uint32
}

// Predefined bucket tables.
var (
	// ManyConfig: 24 buckets, precise 16-byte steps up to 256, then powers of two to 64KB.
	ManyConfig = BucketConfig{
		Name:         "Many",
		MinBlockSize: 3 * format.TaggedSize,
		Mins: []uint32{
			24, 32, 48, 64, 80, 96, 112, 128, 144, 160, 176, 192, 208, 224, 240, 256,
			512, 1024, 2048, 4096, 8192, 16384, 32768, 65536,
		},
		PreciseMax:  256,
		PreciseStep: 16,
	}

	// CoarseConfig: tiniest, tiny, small, medium, large and huge buckets.
	CoarseConfig = BucketConfig{
		Name:         "Coarse",
		MinBlockSize: 3 * format.TaggedSize,
		Mins:         []uint32{24, 88, 256, 2048, 16384, 65536},
	}

	// FineGrainedConfig: 8-byte steps to 256, then 1.5x growth to 64KB.
	FineGrainedConfig = BucketConfig{
		Name:           "FineGrained",
		MinBlockSize:   2 * format.TaggedSize,
		SmallMin:       16,
		SmallMax:       256,
		SmallIncrement: 8,
		MediumMax:      65536,
		GrowthFactor:   1.5,
		PreciseMax:     256,
		PreciseStep:    8,
	}
)

// Buckets is a validated bucket table with constant-time selection for
// precise sizes and a sequential scan above them.
type Buckets struct {
	config     BucketConfig
	mins       []uint32
	lut        []uint8 // size/step -> bucket, sizes <= preciseMax
	preciseMax uint32
	step       uint32
	firstScan  int // first bucket whose lower bound exceeds preciseMax
}

// NewBuckets validates cfg and computes its selection table.
func NewBuckets(cfg BucketConfig) (*Buckets, error) {
	mins := cfg.Mins
	if len(mins) == 0 {
		mins = generateMins(cfg)
	}
	if len(mins) == 0 || len(mins) > math.MaxUint8 {
		return nil, fmt.Errorf("%w: %s has %d buckets", ErrInvalidBuckets, cfg.Name, len(mins))
	}
	if cfg.MinBlockSize < chunkHeaderSize || cfg.MinBlockSize%format.TaggedSize != 0 {
		return nil, fmt.Errorf("%w: %s min block size %d must be a multiple of %d",
			ErrInvalidBuckets, cfg.Name, cfg.MinBlockSize, format.TaggedSize)
	}
	for i := 1; i < len(mins); i++ {
		if mins[i] <= mins[i-1] {
			return nil, fmt.Errorf("%w: %s bounds not ascending at %d", ErrInvalidBuckets, cfg.Name, i)
		}
	}

	b := &Buckets{
		config:     cfg,
		mins:       append([]uint32(nil), mins...),
		preciseMax: cfg.PreciseMax,
		step:       cfg.PreciseStep,
		firstScan:  1,
	}

	if b.preciseMax > 0 {
		if b.step == 0 {
			return nil, fmt.Errorf("%w: %s precise step is zero", ErrInvalidBuckets, cfg.Name)
		}
		for i := 1; i < len(mins) && mins[i] <= b.preciseMax; i++ {
			if mins[i]%b.step != 0 {
				return nil, fmt.Errorf("%w: %s bound %d is not a multiple of %d",
					ErrInvalidBuckets, cfg.Name, mins[i], b.step)
			}
		}
		b.lut = make([]uint8, b.preciseMax/b.step+1)
		for k := range b.lut {
			b.lut[k] = uint8(b.scan(uint32(k)*b.step, 1))
		}
		for b.firstScan < len(mins) && mins[b.firstScan] <= b.preciseMax {
			b.firstScan++
		}
	}
	return b, nil
}

// generateMins builds lower bounds from the linear and geometric settings.
func generateMins(cfg BucketConfig) []uint32 {
	if cfg.SmallIncrement == 0 || cfg.SmallMin == 0 {
		return nil
	}
	mins := make([]uint32, 0, 64)

	// Phase 1: linear increments
	for size := cfg.SmallMin; size < cfg.SmallMax; size += cfg.SmallIncrement {
		mins = append(mins, size)
	}

	// Phase 2: geometric growth
	if cfg.GrowthFactor > 1 {
		size := cfg.SmallMax
		for size <= cfg.MediumMax {
			mins = append(mins, size)
			next := format.Align8U32(uint32(math.Ceil(float64(size) * cfg.GrowthFactor)))
			if next <= size {
				next = size + format.TaggedSize // ensure progress
			}
			size = next
		}
	}
	return mins
}

// scan returns the last bucket whose lower bound is <= size, starting at from.
func (b *Buckets) scan(size uint32, from int) int {
	for i := from; i < len(b.mins); i++ {
		if size < b.mins[i] {
			return i - 1
		}
	}
	return len(b.mins) - 1
}

// Select returns the bucket a chunk of size bytes is filed under.
// Sizes below the first bound map to the first bucket.
func (b *Buckets) Select(size uint32) int {
	if b.lut != nil && size <= b.preciseMax {
		return int(b.lut[size/b.step])
	}
	return b.scan(size, b.firstScan)
}

// IndexAtLeast returns the first bucket whose lower bound is >= size, or -1.
func (b *Buckets) IndexAtLeast(size uint32) int {
	for i, m := range b.mins {
		if m >= size {
			return i
		}
	}
	return -1
}

// Len returns the number of buckets.
func (b *Buckets) Len() int { return len(b.mins) }

// Last returns the index of the largest bucket.
func (b *Buckets) Last() int { return len(b.mins) - 1 }

// Min returns the lower bound of bucket i.
func (b *Buckets) Min(i int) uint32 { return b.mins[i] }

// MinBlockSize returns the smallest chunk kept on a list.
func (b *Buckets) MinBlockSize() uint32 { return b.config.MinBlockSize }

// Name returns the configuration name.
func (b *Buckets) Name() string { return b.config.Name }

// Config returns the configuration the table was built from.
func (b *Buckets) Config() BucketConfig { return b.config }

// String returns a compact description of the bucket bounds.
func (b *Buckets) String() string {
	var sb strings.Builder
	sb.WriteString(b.config.Name)
	sb.WriteString("[")
	for i, m := range b.mins {
		if i > 0 {
			sb.WriteString(" ")
		}
		fmt.Fprintf(&sb, "%d", m)
	}
	sb.WriteString("]")
	return sb.String()
}
