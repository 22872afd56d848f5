package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/dicomconv"
)

var (
	convertDicomDir string
	convertDataset  string
	convertWatch    bool
	convertPattern  string
	convertSettle   time.Duration
	convertSet      []string
)

// convertCmd represents the convert command
var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert DICOM files into a BIDS dataset",
	Long: `Convert DICOM files from a directory into BIDS incrementals and append
them to a dataset. With --watch the directory is monitored and new files
are converted as the scanner writes them, which is how a live acquisition
is archived.

Metadata the DICOM headers lack (such as the task name) can be supplied
with --set, for example --set task=rest --set run=1.`,
	RunE: runConvert,
}

func init() {
	rootCmd.AddCommand(convertCmd)
	convertCmd.Flags().StringVar(&convertDicomDir, "dicom", "", "Directory containing DICOM files")
	convertCmd.Flags().StringVar(&convertDataset, "dataset", "", "Path to the BIDS dataset to append to")
	convertCmd.Flags().BoolVar(&convertWatch, "watch", false, "Keep watching the directory for new files")
	convertCmd.Flags().StringVar(&convertPattern, "pattern", "*.dcm", "Glob matched against DICOM file names")
	convertCmd.Flags().DurationVar(&convertSettle, "settle", 500*time.Millisecond, "How long a file must be stable before conversion")
	convertCmd.Flags().StringArrayVar(&convertSet, "set", nil, "Extra metadata as key=value (repeatable)")
	convertCmd.MarkFlagRequired("dicom")
	convertCmd.MarkFlagRequired("dataset")
}

func parseSetFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	extra := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, found := strings.Cut(pair, "=")
		if !found || key == "" {
			return nil, fmt.Errorf("invalid --set value %q, expected key=value", pair)
		}
		extra[key] = value
	}
	return extra, nil
}

func runConvert(cmd *cobra.Command, args []string) error {
	extra, err := parseSetFlags(convertSet)
	if err != nil {
		return err
	}

	arch, err := archive.Open(convertDataset)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer arch.Close()

	if convertWatch {
		return watchAndConvert(cmd.Context(), arch, extra)
	}

	matches, err := filepath.Glob(filepath.Join(convertDicomDir, convertPattern))
	if err != nil {
		return fmt.Errorf("invalid pattern: %w", err)
	}
	if len(matches) == 0 {
		return fmt.Errorf("no files matching %s in %s", convertPattern, convertDicomDir)
	}
	sort.Strings(matches)

	converted := 0
	for _, path := range matches {
		if err := convertOne(arch, path, extra); err != nil {
			return err
		}
		converted++
	}
	fmt.Printf("Converted %d file(s) into %s\n", converted, convertDataset)
	return nil
}

func convertOne(arch *archive.Archive, path string, extra map[string]any) error {
	inc, err := dicomconv.FileToIncremental(path, extra)
	if err != nil {
		return fmt.Errorf("failed to convert %s: %w", filepath.Base(path), err)
	}
	appended, err := arch.Append(inc, true)
	if err != nil {
		return fmt.Errorf("failed to append %s: %w", filepath.Base(path), err)
	}
	if appended {
		fmt.Printf("Appended %s\n", filepath.Base(path))
	} else {
		fmt.Printf("Skipped %s (already present)\n", filepath.Base(path))
	}
	return nil
}

func watchAndConvert(ctx context.Context, arch *archive.Archive, extra map[string]any) error {
	watcher, err := dicomconv.NewWatcher(convertDicomDir, convertPattern, convertSettle, nil)
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}

	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := watcher.Start(ctx); err != nil {
		return fmt.Errorf("failed to start watcher: %w", err)
	}
	defer watcher.Stop()

	fmt.Printf("Watching %s for %s files (Ctrl+C to stop)...\n", convertDicomDir, convertPattern)
	for {
		select {
		case <-ctx.Done():
			fmt.Println("Stopping watcher")
			return nil
		case path, ok := <-watcher.Paths():
			if !ok {
				return nil
			}
			if err := convertOne(arch, path, extra); err != nil {
				// A half-written or foreign file should not kill the session.
				fmt.Fprintf(os.Stderr, "WARNING: %v\n", err)
			}
		}
	}
}
