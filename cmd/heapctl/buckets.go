package main

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/joshuapare/heapkit/heap/freelist"
)

var (
	bucketsPolicy string
	bucketsProbe  []string
)

func init() {
	cmd := newBucketsCmd()
	cmd.Flags().StringVar(&bucketsPolicy, "policy", string(freelist.PolicyManyCached), "Free list policy")
	cmd.Flags().StringSliceVar(&bucketsProbe, "probe", nil, "Sizes to look up in the table (e.g. 24,1KB)")
	rootCmd.AddCommand(cmd)
}

func newBucketsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "buckets",
		Short: "Print the bucket table of a free list policy",
		Long: `The buckets command prints the size classes a free list policy files
free chunks under, and optionally which bucket a given size selects.

Example:
  heapctl buckets
  heapctl buckets --policy coarse
  heapctl buckets --probe 24,100,4KB --json`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runBuckets()
		},
	}
}

// BucketRow is one size class.
type BucketRow struct {
	Index int    `json:"index"`
	Min   uint32 `json:"min"`
	Max   uint32 `json:"max,omitempty"` // exclusive; 0 for the last bucket
}

// BucketProbe is the bucket selected for a size.
type BucketProbe struct {
	Size   uint32 `json:"size"`
	Bucket int    `json:"bucket"`
}

// BucketTable is the buckets command output.
type BucketTable struct {
	Policy       string        `json:"policy"`
	Name         string        `json:"name"`
	MinBlockSize uint32        `json:"min_block_size"`
	Buckets      []BucketRow   `json:"buckets"`
	Probes       []BucketProbe `json:"probes,omitempty"`
}

func bucketTable(policyName string, probes []string) (*BucketTable, error) {
	policy, err := freelist.ParsePolicy(policyName)
	if err != nil {
		return nil, err
	}
	b, err := freelist.NewBuckets(policy.DefaultBuckets())
	if err != nil {
		return nil, err
	}
	t := &BucketTable{
		Policy:       string(policy),
		Name:         b.Name(),
		MinBlockSize: b.MinBlockSize(),
	}
	for i := range b.Len() {
		row := BucketRow{Index: i, Min: b.Min(i)}
		if i < b.Last() {
			row.Max = b.Min(i + 1)
		}
		t.Buckets = append(t.Buckets, row)
	}
	for _, p := range probes {
		size, err := ParseSize(p)
		if err != nil {
			return nil, err
		}
		t.Probes = append(t.Probes, BucketProbe{Size: uint32(size), Bucket: b.Select(uint32(size))})
	}
	return t, nil
}

func runBuckets() error {
	t, err := bucketTable(bucketsPolicy, bucketsProbe)
	if err != nil {
		return err
	}
	if jsonOut {
		return printJSON(t)
	}

	printInfo("Policy %s, table %s, min block %d bytes\n", t.Policy, t.Name, t.MinBlockSize)
	for _, row := range t.Buckets {
		upper := "and up"
		if row.Max != 0 {
			upper = "< " + humanize.IBytes(uint64(row.Max))
		}
		printInfo("  [%2d] >= %-9s %s\n", row.Index, humanize.IBytes(uint64(row.Min)), upper)
	}
	for _, p := range t.Probes {
		fmt.Fprintf(os.Stdout, "%d bytes -> bucket %d\n", p.Size, p.Bucket)
	}
	return nil
}
