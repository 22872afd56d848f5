package cmd

import (
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/rtbids/rtbids/pkg/api"
	"github.com/rtbids/rtbids/pkg/archive"
	"github.com/rtbids/rtbids/pkg/bids"
)

var (
	streamAccession string
	streamDataset   string
	streamSubject   string
	streamSession   string
	streamTask      string
	streamRun       string
	streamAppendTo  string
	streamInterval  time.Duration
)

// streamCmd represents the stream command
var streamCmd = &cobra.Command{
	Use:   "stream",
	Short: "Replay a run volume by volume from the daemon",
	Long: `Open a stream on the bidsd daemon and replay its run volume by volume,
printing the mean activation of each volume as it arrives. This is the
same loop a real-time analysis would drive, with the classifier swapped
for a mean.

The run comes either from an OpenNeuro accession (fetched by the daemon)
or from a dataset path visible to the daemon. With --append-to each
received volume is also appended to a local BIDS dataset.`,
	RunE: runStream,
}

func init() {
	rootCmd.AddCommand(streamCmd)
	streamCmd.Flags().StringVar(&streamAccession, "accession", "", "OpenNeuro accession number to stream from")
	streamCmd.Flags().StringVar(&streamDataset, "dataset", "", "Dataset path on the daemon host to stream from")
	streamCmd.Flags().StringVar(&streamSubject, "subject", "", "Subject label selecting the run")
	streamCmd.Flags().StringVar(&streamSession, "session", "", "Session label selecting the run")
	streamCmd.Flags().StringVar(&streamTask, "task", "", "Task name selecting the run")
	streamCmd.Flags().StringVar(&streamRun, "run", "", "Run index selecting the run")
	streamCmd.Flags().StringVar(&streamAppendTo, "append-to", "", "Append received volumes to this local dataset")
	streamCmd.Flags().DurationVar(&streamInterval, "interval", 0, "Pause between volumes (0 replays as fast as possible)")
}

func streamEntities() map[string]string {
	entities := map[string]string{}
	for key, value := range map[string]string{
		"subject": streamSubject,
		"session": streamSession,
		"task":    streamTask,
		"run":     streamRun,
	} {
		if value != "" {
			entities[key] = value
		}
	}
	return entities
}

func runStream(cmd *cobra.Command, args []string) error {
	if (streamAccession == "") == (streamDataset == "") {
		return fmt.Errorf("specify exactly one of --accession or --dataset")
	}

	ctx, cancel := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var local *archive.Archive
	if streamAppendTo != "" {
		var err error
		local, err = archive.Open(streamAppendTo)
		if err != nil {
			return fmt.Errorf("failed to open local dataset: %w", err)
		}
		defer local.Close()
	}

	c := newClient()
	entities := streamEntities()

	var (
		info *api.StreamInfo
		err  error
	)
	if streamAccession != "" {
		fmt.Printf("Opening stream over %s on %s...\n", streamAccession, GetServerURL())
		info, err = c.OpenStream(ctx, streamAccession, entities)
	} else {
		fmt.Printf("Opening stream over %s on %s...\n", streamDataset, GetServerURL())
		info, err = c.OpenPath(ctx, streamDataset, entities)
	}
	if err != nil {
		return err
	}
	defer func() {
		// Close with a fresh context so Ctrl+C still releases the stream.
		if err := c.CloseStream(cmd.Context(), info.ID); err != nil {
			fmt.Fprintf(os.Stderr, "WARNING: failed to close stream: %v\n", err)
		}
	}()

	fmt.Printf("Stream %s open: %d volume(s)\n", info.ID, info.NumVolumes)

	for index := 0; index < info.NumVolumes; index++ {
		select {
		case <-ctx.Done():
			fmt.Println("Interrupted")
			return nil
		default:
		}

		inc, err := c.Volume(ctx, info.ID, index)
		if err != nil {
			return err
		}

		mean, err := meanActivation(inc)
		if err != nil {
			return fmt.Errorf("volume %d: %w", index, err)
		}
		fmt.Printf("Volume %3d/%d  mean activation %.3f\n", index+1, info.NumVolumes, mean)

		if local != nil {
			if _, err := local.Append(inc, true); err != nil {
				return fmt.Errorf("failed to append volume %d: %w", index, err)
			}
		}

		if streamInterval > 0 && index < info.NumVolumes-1 {
			select {
			case <-ctx.Done():
				fmt.Println("Interrupted")
				return nil
			case <-time.After(streamInterval):
			}
		}
	}

	fmt.Println("Replay complete")
	return nil
}

func meanActivation(inc *bids.Incremental) (float64, error) {
	data, err := inc.Image.Float64Data()
	if err != nil {
		return 0, fmt.Errorf("failed to decode image data: %w", err)
	}
	if len(data) == 0 {
		return 0, nil
	}
	var sum float64
	for _, v := range data {
		sum += v
	}
	return sum / float64(len(data)), nil
}
