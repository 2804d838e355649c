package main

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/joshuapare/heapkit/internal/writer"
)

func smallWorkload() Workload {
	w := defaultWorkload()
	w.Threads = 3
	w.Ops = 2000
	w.Live = 64
	w.CollectEvery = 500
	w.PageSize = 64 << 10
	w.MaxHeap = 4 << 20
	return w
}

func TestRunStress_Sources(t *testing.T) {
	tests := []struct {
		name   string
		source string
		file   bool
	}{
		{"memory", "memory", false},
		{"mmap", "mmap", false},
		{"file", "file", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := smallWorkload()
			w.Source = tt.source
			if tt.file {
				w.File = filepath.Join(t.TempDir(), "heap.bin")
			}
			res, err := runStress(w)
			require.NoError(t, err)
			require.Equal(t, uint64(3*2000), res.Ops)
			require.Zero(t, res.Failures)
			require.Zero(t, res.Corrupted)
			require.Equal(t, res.Ops, res.Stats.Allocations)
			require.NotZero(t, res.Reclaimed)
			require.NotZero(t, res.Stats.Collections)
			require.Zero(t, res.Stats.Views, "every view closed")
		})
	}
}

func TestRunStress_Policies(t *testing.T) {
	for _, policy := range []string{"many", "fastpath", "origin", "coarse"} {
		t.Run(policy, func(t *testing.T) {
			w := smallWorkload()
			w.Policy = policy
			w.LABSize = 0
			res, err := runStress(w)
			require.NoError(t, err)
			require.Zero(t, res.Corrupted)
		})
	}
}

func TestStressCommand_JSON(t *testing.T) {
	resetFlags()
	defer resetFlags()
	jsonOut = true
	stressWorkload = smallWorkload()
	defer func() { stressWorkload = defaultWorkload() }()

	out, err := captureOutput(t, func() error {
		rootCmd.SetArgs([]string{"stress", "--json", "--threads", "2", "--ops", "300"})
		return rootCmd.Execute()
	})
	require.NoError(t, err)

	var res StressResult
	require.NoError(t, json.Unmarshal([]byte(out), &res))
	require.Equal(t, uint64(600), res.Ops)
	require.Equal(t, 2, res.Workload.Threads)
}

func TestMergeFlags(t *testing.T) {
	cmd := newStressCmd()
	flags := defaultWorkload()
	cmd.Flags().IntVar(&flags.Threads, "threads", flags.Threads, "")
	cmd.Flags().Var(&flags.MaxSize, "max-size", "")
	cmd.Flags().StringVar(&flags.Policy, "policy", flags.Policy, "")
	require.NoError(t, cmd.Flags().Parse([]string{"--threads", "9", "--max-size", "1KB"}))

	base := defaultWorkload()
	base.Threads = 2
	base.Policy = "coarse"
	got := mergeFlags(cmd, base, flags)

	require.Equal(t, 9, got.Threads)
	require.Equal(t, Size(1<<10), got.MaxSize)
	require.Equal(t, "coarse", got.Policy, "unset flags keep the file's value")
}

func TestSaveReport(t *testing.T) {
	res, err := runStress(smallWorkload())
	require.NoError(t, err)

	var mem writer.Memory
	require.NoError(t, saveReport(&mem, res))
	var decoded StressResult
	require.NoError(t, json.Unmarshal(mem.Buf, &decoded))
	require.Equal(t, res.Ops, decoded.Ops)

	path := filepath.Join(t.TempDir(), "run.json")
	require.NoError(t, saveReport(&writer.File{Path: path}, res))
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.Equal(t, string(mem.Buf), string(data))
}
