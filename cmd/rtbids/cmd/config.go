package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/rtbids/rtbids/pkg/hardware"
)

var (
	configEnvironment string
	configOutput      string
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Configuration management and recommendations",
	Long:  `Commands for generating daemon and fetch configuration based on hardware capabilities.`,
}

var configRecommendCmd = &cobra.Command{
	Use:   "recommend",
	Short: "Generate recommended daemon configuration",
	Long: `Analyzes system hardware (CPU, RAM) and generates daemon and download
configuration parameters. Takes into account the deployment environment
(development, staging, production) to provide safe, performant defaults.`,
	RunE: runConfigRecommend,
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configRecommendCmd)

	configRecommendCmd.Flags().StringVarP(&configEnvironment, "environment", "e", "development",
		"Deployment environment: development, staging, production")
	configRecommendCmd.Flags().StringVarP(&configOutput, "output", "o", "text",
		"Output format: text, json, yaml, bash")
}

type ConfigRecommendation struct {
	Hardware        HardwareInfo `json:"hardware" yaml:"hardware"`
	Recommendations DaemonConfig `json:"recommendations" yaml:"recommendations"`
	Rationale       string       `json:"rationale" yaml:"rationale"`
}

type HardwareInfo struct {
	CPUModel     string `json:"cpu_model" yaml:"cpu_model"`
	CPUThreads   int    `json:"cpu_threads" yaml:"cpu_threads"`
	RAMBytes     uint64 `json:"ram_bytes" yaml:"ram_bytes"`
	RAMGB        string `json:"ram_gb" yaml:"ram_gb"`
	NodeType     string `json:"node_type" yaml:"node_type"`
	OS           string `json:"os" yaml:"os"`
	Architecture string `json:"architecture" yaml:"architecture"`
}

type DaemonConfig struct {
	FetchWorkers int    `json:"fetch_workers" yaml:"fetch_workers"`
	IndexBackend string `json:"index_backend" yaml:"index_backend"`
	CacheDir     string `json:"cache_dir" yaml:"cache_dir"`
	MetricsPort  int    `json:"metrics_port" yaml:"metrics_port"`
}

func runConfigRecommend(cmd *cobra.Command, args []string) error {
	caps, err := hardware.Detect()
	if err != nil {
		return fmt.Errorf("failed to detect hardware: %w", err)
	}

	nodeType := hardware.DetectNodeType(caps.CPUThreads, caps.RAMTotalBytes)

	hw := HardwareInfo{
		CPUModel:     caps.CPUModel,
		CPUThreads:   caps.CPUThreads,
		RAMBytes:     caps.RAMTotalBytes,
		RAMGB:        hardware.FormatRAM(caps.RAMTotalBytes),
		NodeType:     string(nodeType),
		OS:           caps.OS,
		Architecture: caps.Architecture,
	}

	config := calculateRecommendations(hw, configEnvironment)
	rationale := generateRationale(hw, config, configEnvironment)

	recommendation := ConfigRecommendation{
		Hardware:        hw,
		Recommendations: config,
		Rationale:       rationale,
	}

	return outputRecommendation(recommendation, configOutput)
}

func calculateRecommendations(hw HardwareInfo, environment string) DaemonConfig {
	// Downloads are network bound, so half the threads is plenty.
	workers := hw.CPUThreads / 2

	if environment == "development" {
		workers = workers / 2
	}

	maxLimit := getMaxWorkerLimit(hw.NodeType)
	if workers > maxLimit {
		workers = maxLimit
	}
	if workers < 1 {
		workers = 1
	}

	// SQLite keeps the file inventory out of the heap, which pays off
	// when RAM is tight or many datasets stay open at once.
	backend := "memory"
	if environment == "production" || hw.RAMBytes < 8<<30 {
		backend = "sqlite"
	}

	return DaemonConfig{
		FetchWorkers: workers,
		IndexBackend: backend,
		CacheDir:     hardware.RecommendedCacheDir(),
		MetricsPort:  9090,
	}
}

func getMaxWorkerLimit(nodeType string) int {
	switch hardware.NodeType(nodeType) {
	case hardware.NodeTypeLaptop:
		return 4
	case hardware.NodeTypeDesktop:
		return 8
	case hardware.NodeTypeServer:
		return 16
	default:
		return 16
	}
}

func generateRationale(hw HardwareInfo, config DaemonConfig, env string) string {
	envFactor := "base"
	if env == "development" {
		envFactor = "50% (development environment)"
	} else if env == "production" {
		envFactor = "100% (production environment)"
	}

	backendReason := "index fits in memory"
	if config.IndexBackend == "sqlite" {
		if hw.RAMBytes < 8<<30 {
			backendReason = "RAM is tight, keep the index on disk"
		} else {
			backendReason = "bounded memory with many open datasets"
		}
	}

	return fmt.Sprintf(
		"Based on %d CPU threads and %s: recommended %d download workers "+
			"(capacity factor: %s, node type limit: %d); %s index backend (%s)",
		hw.CPUThreads,
		hw.RAMGB,
		config.FetchWorkers,
		envFactor,
		getMaxWorkerLimit(hw.NodeType),
		config.IndexBackend,
		backendReason,
	)
}

func outputRecommendation(rec ConfigRecommendation, format string) error {
	switch format {
	case "json":
		encoder := json.NewEncoder(os.Stdout)
		encoder.SetIndent("", "  ")
		return encoder.Encode(rec)

	case "yaml":
		encoder := yaml.NewEncoder(os.Stdout)
		encoder.SetIndent(2)
		return encoder.Encode(rec)

	case "bash":
		fmt.Println("# Daemon configuration recommendations")
		fmt.Printf("export RTBIDS_FETCH_WORKERS=%d\n", rec.Recommendations.FetchWorkers)
		fmt.Printf("export RTBIDS_INDEX_BACKEND=%s\n", rec.Recommendations.IndexBackend)
		fmt.Printf("export RTBIDS_CACHE_DIR=%s\n", rec.Recommendations.CacheDir)
		fmt.Printf("export RTBIDS_METRICS_PORT=%d\n", rec.Recommendations.MetricsPort)
		fmt.Println()
		fmt.Printf("# %s\n", rec.Rationale)
		return nil

	default: // text
		fmt.Println("Hardware Configuration:")
		fmt.Printf("  CPU: %s (%d threads)\n", rec.Hardware.CPUModel, rec.Hardware.CPUThreads)
		fmt.Printf("  RAM: %s\n", rec.Hardware.RAMGB)
		fmt.Printf("  Node Type: %s\n", rec.Hardware.NodeType)
		fmt.Printf("  OS: %s/%s\n", rec.Hardware.OS, rec.Hardware.Architecture)
		fmt.Println()

		fmt.Println("Recommended Daemon Configuration:")
		fmt.Printf("  --download-workers %d\n", rec.Recommendations.FetchWorkers)
		fmt.Printf("  --index-backend %s\n", rec.Recommendations.IndexBackend)
		fmt.Printf("  --cache %s\n", rec.Recommendations.CacheDir)
		fmt.Printf("  --metrics-port %d\n", rec.Recommendations.MetricsPort)
		fmt.Println()

		fmt.Println("Rationale:")
		fmt.Printf("  %s\n", rec.Rationale)
		fmt.Println()

		fmt.Println("Example command:")
		fmt.Printf("  ./bin/bidsd --port 8080 \\\n")
		fmt.Printf("    --download-workers %d \\\n", rec.Recommendations.FetchWorkers)
		fmt.Printf("    --index-backend %s \\\n", rec.Recommendations.IndexBackend)
		fmt.Printf("    --cache %s \\\n", rec.Recommendations.CacheDir)
		fmt.Printf("    --metrics-port %d\n", rec.Recommendations.MetricsPort)

		return nil
	}
}
