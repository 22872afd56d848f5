package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/olekukonko/tablewriter"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/common/expfmt"
	"github.com/spf13/cobra"
)

var statusMetricsURL string

// statusCmd represents the status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show daemon health and metrics",
	Long: `Check the bidsd daemon's health endpoint, list its open streams and
scrape its Prometheus metrics endpoint for the rtbids metric families.`,
	RunE: runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
	statusCmd.Flags().StringVar(&statusMetricsURL, "metrics-url", "http://localhost:9090", "Base URL of the daemon's metrics server")
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	c := newClient()

	if err := c.Health(ctx); err != nil {
		return fmt.Errorf("daemon at %s is not healthy: %w", GetServerURL(), err)
	}

	streams, err := c.Streams(ctx)
	if err != nil {
		return err
	}

	metricRows, metricValues := scrapeMetrics()

	if IsJSONOutput() {
		result := map[string]any{
			"server":       GetServerURL(),
			"status":       "healthy",
			"open_streams": len(streams),
			"metrics":      metricValues,
		}
		output, err := json.MarshalIndent(result, "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal JSON: %w", err)
		}
		fmt.Println(string(output))
		return nil
	}

	fmt.Printf("Daemon %s: healthy, %d open stream(s)\n", GetServerURL(), len(streams))
	if len(metricRows) == 0 {
		fmt.Println("No metrics available")
		return nil
	}

	table := tablewriter.NewWriter(os.Stdout)
	table.Header("Metric", "Value")
	for _, row := range metricRows {
		table.Append(row)
	}
	table.Render()
	return nil
}

// scrapeMetrics fetches the daemon's metrics endpoint and extracts the
// rtbids families. A down metrics server is not fatal for status.
func scrapeMetrics() ([][]string, map[string]float64) {
	url := strings.TrimRight(statusMetricsURL, "/") + "/metrics"
	httpClient := &http.Client{Timeout: 5 * time.Second}
	resp, err := httpClient.Get(url)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: metrics scrape failed: %v\n", err)
		return nil, nil
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		fmt.Fprintf(os.Stderr, "WARNING: metrics scrape returned status %d\n", resp.StatusCode)
		return nil, nil
	}

	var parser expfmt.TextParser
	families, err := parser.TextToMetricFamilies(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "WARNING: failed to parse metrics: %v\n", err)
		return nil, nil
	}

	names := make([]string, 0, len(families))
	for name := range families {
		if strings.HasPrefix(name, "rtbids_") {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	var rows [][]string
	values := make(map[string]float64)
	for _, name := range names {
		for _, m := range families[name].GetMetric() {
			label := name + labelString(m)
			value := metricValue(families[name].GetType(), m)
			rows = append(rows, []string{label, formatMetric(value)})
			values[label] = value
		}
	}
	return rows, values
}

func labelString(m *dto.Metric) string {
	if len(m.GetLabel()) == 0 {
		return ""
	}
	parts := make([]string, 0, len(m.GetLabel()))
	for _, l := range m.GetLabel() {
		parts = append(parts, fmt.Sprintf("%s=%q", l.GetName(), l.GetValue()))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func metricValue(t dto.MetricType, m *dto.Metric) float64 {
	switch t {
	case dto.MetricType_COUNTER:
		return m.GetCounter().GetValue()
	case dto.MetricType_GAUGE:
		return m.GetGauge().GetValue()
	case dto.MetricType_HISTOGRAM:
		return float64(m.GetHistogram().GetSampleCount())
	case dto.MetricType_SUMMARY:
		return float64(m.GetSummary().GetSampleCount())
	default:
		return m.GetUntyped().GetValue()
	}
}

func formatMetric(v float64) string {
	if v == float64(int64(v)) {
		return fmt.Sprintf("%d", int64(v))
	}
	return fmt.Sprintf("%.3f", v)
}
