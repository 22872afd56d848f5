package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/bids"
)

var (
	queryDataset  string
	querySubject  string
	querySession  string
	queryTask     string
	queryRun      string
	querySuffix   string
	queryDatatype string
	queryExact    bool
	queryMetadata bool
	queryEvents   bool
)

// queryCmd represents the query command
var queryCmd = &cobra.Command{
	Use:   "query",
	Short: "Query a BIDS dataset for matching files",
	Long: `Filter a local BIDS dataset by entities and list the matching image files.

With --events the matching events.tsv files are listed instead, with a
preview of their rows. With --metadata each match is followed by its
combined sidecar metadata.`,
	RunE: runQuery,
}

func init() {
	rootCmd.AddCommand(queryCmd)
	queryCmd.Flags().StringVar(&queryDataset, "dataset", "", "Path to the BIDS dataset root")
	queryCmd.Flags().StringVar(&querySubject, "subject", "", "Subject label to match")
	queryCmd.Flags().StringVar(&querySession, "session", "", "Session label to match")
	queryCmd.Flags().StringVar(&queryTask, "task", "", "Task name to match")
	queryCmd.Flags().StringVar(&queryRun, "run", "", "Run index to match")
	queryCmd.Flags().StringVar(&querySuffix, "suffix", "", "Suffix to match (for example bold)")
	queryCmd.Flags().StringVar(&queryDatatype, "datatype", "", "Datatype to match (for example func)")
	queryCmd.Flags().BoolVar(&queryExact, "exact", false, "Require files to carry exactly the given entities and no others")
	queryCmd.Flags().BoolVar(&queryMetadata, "metadata", false, "Print combined sidecar metadata for each match")
	queryCmd.Flags().BoolVar(&queryEvents, "events", false, "Query events files instead of images")
	queryCmd.MarkFlagRequired("dataset")
}

func queryFilter() bids.Entities {
	filter := bids.Entities{}
	for key, value := range map[string]string{
		"subject":  querySubject,
		"session":  querySession,
		"task":     queryTask,
		"run":      queryRun,
		"suffix":   querySuffix,
		"datatype": queryDatatype,
	} {
		if value != "" {
			filter[key] = value
		}
	}
	return filter
}

func runQuery(cmd *cobra.Command, args []string) error {
	arch, err := archive.Open(queryDataset)
	if err != nil {
		return fmt.Errorf("failed to open dataset: %w", err)
	}
	defer arch.Close()

	if queryEvents {
		return runEventsQuery(arch)
	}

	files, err := arch.GetImages(queryFilter(), queryExact)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		return &bids.NoMatchError{Msg: "no files match the query"}
	}

	if IsJSONOutput() {
		return printFilesJSON(arch, files)
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Path", "Subject", "Task", "Run", "Datatype", "Suffix")
	for _, f := range files {
		table.Append([]string{
			f.RelPath,
			f.Entities["subject"],
			f.Entities["task"],
			f.Entities["run"],
			f.Datatype,
			f.Suffix,
		})
	}
	table.Render()
	fmt.Printf("%d file(s) matched\n", len(files))

	if queryMetadata {
		for _, f := range files {
			if err := printMetadata(arch, f.RelPath); err != nil {
				return err
			}
		}
	}
	return nil
}

func runEventsQuery(arch *archive.Archive) error {
	events, err := arch.GetEvents(queryFilter(), queryExact)
	if err != nil {
		return err
	}
	if len(events) == 0 {
		return &bids.NoMatchError{Msg: "no events files match the query"}
	}

	if IsJSONOutput() {
		type eventsResult struct {
			Path    string     `json:"path"`
			Columns []string   `json:"columns"`
			Rows    [][]string `json:"rows"`
		}
		results := make([]eventsResult, 0, len(events))
		for _, e := range events {
			results = append(results, eventsResult{Path: e.File.RelPath, Columns: e.Columns, Rows: e.Rows})
		}
		output, err := json.MarshalIndent(results, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	const previewRows = 5
	for _, e := range events {
		fmt.Printf("%s (%d rows)\n", e.File.RelPath, e.NumRows())
		table := tablewriter.NewWriter(os.Stdout)
		table.Header(e.Columns)
		for i, row := range e.Rows {
			if i >= previewRows {
				fmt.Printf("... %d more row(s)\n", e.NumRows()-previewRows)
				break
			}
			table.Append(row)
		}
		table.Render()
	}
	return nil
}

func printFilesJSON(arch *archive.Archive, files []*archive.File) error {
	type fileResult struct {
		Path     string         `json:"path"`
		Entities bids.Entities  `json:"entities"`
		Datatype string         `json:"datatype"`
		Suffix   string         `json:"suffix"`
		Metadata map[string]any `json:"metadata,omitempty"`
	}
	results := make([]fileResult, 0, len(files))
	for _, f := range files {
		r := fileResult{Path: f.RelPath, Entities: f.Entities, Datatype: f.Datatype, Suffix: f.Suffix}
		if queryMetadata {
			meta, err := arch.GetMetadata(f.RelPath, true)
			if err != nil {
				return err
			}
			r.Metadata = meta
		}
		results = append(results, r)
	}
	output, err := json.MarshalIndent(results, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}

func printMetadata(arch *archive.Archive, relPath string) error {
	meta, err := arch.GetMetadata(relPath, true)
	if err != nil {
		return err
	}
	output, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Printf("\nMetadata for %s:\n%s\n", relPath, string(output))
	return nil
}
