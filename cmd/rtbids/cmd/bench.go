package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/bids"
	"github.com/rtbids/rtbids/pkg/hardware"
	"github.com/rtbids/rtbids/pkg/nifti"
)

var (
	benchDataset string
	benchVolumes int
)

// benchCmd represents the bench command
var benchCmd = &cobra.Command{
	Use:   "bench",
	Short: "Benchmark serialization and archive throughput",
	Long: `Measure how fast this host serializes BIDS incrementals and appends
them to a dataset on disk. Synthetic bold volumes are generated, pushed
through the wire encoding both ways, appended to a dataset and read
back, and the timings are reported alongside the detected hardware.`,
	RunE: runBench,
}

func init() {
	rootCmd.AddCommand(benchCmd)
	benchCmd.Flags().StringVar(&benchDataset, "dataset", "", "Dataset directory to benchmark against (default: a temporary one)")
	benchCmd.Flags().IntVar(&benchVolumes, "volumes", 20, "Number of synthetic volumes")
}

type benchPhase struct {
	Name      string        `json:"name"`
	Total     time.Duration `json:"total_ns"`
	PerVolume time.Duration `json:"per_volume_ns"`
}

type benchReport struct {
	Hardware   *hardware.Capabilities `json:"hardware"`
	Volumes    int                    `json:"volumes"`
	VolumeSize string                 `json:"volume_size"`
	Phases     []benchPhase           `json:"phases"`
}

func runBench(cmd *cobra.Command, args []string) error {
	if benchVolumes < 1 {
		return fmt.Errorf("--volumes must be at least 1")
	}

	caps, err := hardware.Detect()
	if err != nil {
		return fmt.Errorf("failed to detect hardware: %w", err)
	}

	root := benchDataset
	if root == "" {
		tmp, err := os.MkdirTemp("", "rtbids-bench-*")
		if err != nil {
			return fmt.Errorf("failed to create temp dataset: %w", err)
		}
		defer os.RemoveAll(tmp)
		root = tmp
	}

	incs, err := syntheticVolumes(benchVolumes)
	if err != nil {
		return err
	}

	report := benchReport{
		Hardware:   caps,
		Volumes:    benchVolumes,
		VolumeSize: "64x64x32 int16",
	}

	// Wire encoding both ways, the cost every streamed volume pays.
	start := time.Now()
	for _, inc := range incs {
		data, err := json.Marshal(inc)
		if err != nil {
			return fmt.Errorf("marshal failed: %w", err)
		}
		var back bids.Incremental
		if err := json.Unmarshal(data, &back); err != nil {
			return fmt.Errorf("unmarshal failed: %w", err)
		}
	}
	report.addPhase("serialize round-trip", time.Since(start), benchVolumes)

	arch, err := archive.Open(root)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer arch.Close()

	start = time.Now()
	for _, inc := range incs {
		if _, err := arch.Append(inc, true); err != nil {
			return fmt.Errorf("append failed: %w", err)
		}
	}
	report.addPhase("archive append", time.Since(start), benchVolumes)

	start = time.Now()
	run, err := arch.GetRun(incs[0].Entities())
	if err != nil {
		return fmt.Errorf("read-back failed: %w", err)
	}
	for i := 0; i < run.NumIncrementals(); i++ {
		if _, err := run.Incremental(i); err != nil {
			return fmt.Errorf("read-back of volume %d failed: %w", i, err)
		}
	}
	report.addPhase("archive read", time.Since(start), run.NumIncrementals())

	if IsJSONOutput() {
		output, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Host: %s, %d threads, %s RAM (%s/%s)\n",
		caps.CPUModel, caps.CPUThreads, hardware.FormatRAM(caps.RAMTotalBytes), caps.OS, caps.Architecture)
	fmt.Printf("Workload: %d volumes of %s\n", report.Volumes, report.VolumeSize)

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Phase", "Total", "Per volume")
	for _, phase := range report.Phases {
		table.Append([]string{
			phase.Name,
			phase.Total.Round(time.Microsecond).String(),
			phase.PerVolume.Round(time.Microsecond).String(),
		})
	}
	table.Render()
	return nil
}

func (r *benchReport) addPhase(name string, total time.Duration, volumes int) {
	r.Phases = append(r.Phases, benchPhase{
		Name:      name,
		Total:     total,
		PerVolume: total / time.Duration(volumes),
	})
}

// syntheticVolumes builds one run of distinct bold volumes shaped like a
// typical EPI acquisition.
func syntheticVolumes(n int) ([]*bids.Incremental, error) {
	incs := make([]*bids.Incremental, 0, n)
	for v := 0; v < n; v++ {
		hdr, err := nifti.NewHeader(nifti.TypeInt16, []int64{64, 64, 32}, []float64{3, 3, 3, 1.5})
		if err != nil {
			return nil, err
		}
		values := make([]int16, 64*64*32)
		for i := range values {
			values[i] = int16((i + v) % 1024)
		}
		img, err := nifti.NewImage(hdr, nifti.PackInt16(values))
		if err != nil {
			return nil, err
		}
		meta := bids.NewImageMetadata("bench", "bench", "bold", 1.5, 0.03)
		meta["run"] = 1
		inc, err := bids.NewIncremental(img, meta, nil)
		if err != nil {
			return nil, err
		}
		incs = append(incs, inc)
	}
	return incs, nil
}
