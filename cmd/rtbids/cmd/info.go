package cmd

import (
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rtbids/rtbids/pkg/archive"
)

var infoDataset string

// infoCmd represents the info command
var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Summarize a BIDS dataset",
	Long:  `Open a local BIDS dataset and display its subjects, sessions, tasks, runs, datatypes, file count and on-disk size.`,
	RunE:  runInfo,
}

func init() {
	rootCmd.AddCommand(infoCmd)
	infoCmd.Flags().StringVar(&infoDataset, "dataset", "", "Path to the BIDS dataset root")
	infoCmd.MarkFlagRequired("dataset")
}

type datasetSummary struct {
	Root        string   `json:"root"`
	Name        string   `json:"name,omitempty"`
	BIDSVersion string   `json:"bids_version,omitempty"`
	Subjects    []string `json:"subjects"`
	Sessions    []string `json:"sessions"`
	Tasks       []string `json:"tasks"`
	Runs        []string `json:"runs"`
	Datatypes   []string `json:"datatypes"`
	FileCount   int      `json:"file_count"`
	SizeBytes   int64    `json:"size_bytes"`
}

func runInfo(cmd *cobra.Command, args []string) error {
	arch, err := archive.Open(infoDataset)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer arch.Close()

	summary := datasetSummary{Root: arch.Root()}

	if desc, err := arch.DatasetDescription(); err == nil {
		if name, ok := desc["Name"].(string); ok {
			summary.Name = name
		}
		if version, ok := desc["BIDSVersion"].(string); ok {
			summary.BIDSVersion = version
		}
	}

	if summary.Subjects, err = arch.Subjects(); err != nil {
		return err
	}
	if summary.Sessions, err = arch.Sessions(); err != nil {
		return err
	}
	if summary.Tasks, err = arch.Tasks(); err != nil {
		return err
	}
	if summary.Runs, err = arch.Runs(); err != nil {
		return err
	}
	if summary.Datatypes, err = arch.Datatypes(); err != nil {
		return err
	}

	summary.FileCount, summary.SizeBytes, err = countTree(arch.Root())
	if err != nil {
		return fmt.Errorf("failed to measure dataset: %w", err)
	}

	if IsJSONOutput() {
		output, err := json.MarshalIndent(summary, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Property", "Value")
	table.Append([]string{"Root", summary.Root})
	if summary.Name != "" {
		table.Append([]string{"Name", summary.Name})
	}
	if summary.BIDSVersion != "" {
		table.Append([]string{"BIDS Version", summary.BIDSVersion})
	}
	table.Append([]string{"Subjects", joinOrNone(summary.Subjects)})
	table.Append([]string{"Sessions", joinOrNone(summary.Sessions)})
	table.Append([]string{"Tasks", joinOrNone(summary.Tasks)})
	table.Append([]string{"Runs", joinOrNone(summary.Runs)})
	table.Append([]string{"Datatypes", joinOrNone(summary.Datatypes)})
	table.Append([]string{"Files", fmt.Sprintf("%d", summary.FileCount)})
	table.Append([]string{"Size", formatBytes(summary.SizeBytes)})
	table.Render()

	return nil
}

// countTree counts regular files and their total size under root
func countTree(root string) (int, int64, error) {
	count := 0
	var size int64
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		count++
		size += info.Size()
		return nil
	})
	return count, size, err
}

func joinOrNone(values []string) string {
	if len(values) == 0 {
		return "none"
	}
	return strings.Join(values, ", ")
}

func formatBytes(n int64) string {
	switch {
	case n >= 1<<30:
		return fmt.Sprintf("%.2f GB", float64(n)/(1<<30))
	case n >= 1<<20:
		return fmt.Sprintf("%.2f MB", float64(n)/(1<<20))
	case n >= 1<<10:
		return fmt.Sprintf("%.2f KB", float64(n)/(1<<10))
	default:
		return fmt.Sprintf("%d B", n)
	}
}
