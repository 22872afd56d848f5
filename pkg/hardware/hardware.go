// Package hardware detects host capabilities used to size caches,
// download concurrency and benchmark reports.
package hardware

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

const (
	// ServerMinThreads is the minimum CPU threads for server classification
	ServerMinThreads = 16
	// ServerMinRAMGB is the minimum RAM in GB for server classification
	ServerMinRAMGB = 32
)

// NodeType classifies the host machine
type NodeType string

const (
	NodeTypeLaptop  NodeType = "laptop"
	NodeTypeDesktop NodeType = "desktop"
	NodeTypeServer  NodeType = "server"
)

// Capabilities describes the detected host hardware
type Capabilities struct {
	CPUModel      string `json:"cpu_model"`
	CPUThreads    int    `json:"cpu_threads"`
	RAMTotalBytes uint64 `json:"ram_total_bytes"`
	RAMFreeBytes  uint64 `json:"ram_free_bytes"`
	OS            string `json:"os"`
	Architecture  string `json:"architecture"`
}

// Detect reads the host's CPU and memory capabilities
func Detect() (*Capabilities, error) {
	caps := &Capabilities{
		CPUModel:     "Unknown",
		CPUThreads:   runtime.NumCPU(),
		OS:           runtime.GOOS,
		Architecture: runtime.GOARCH,
	}

	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		model := strings.TrimSpace(infos[0].ModelName)
		if model != "" {
			caps.CPUModel = model
		}
	}

	vmem, err := mem.VirtualMemory()
	if err != nil {
		return nil, fmt.Errorf("failed to read memory info: %w", err)
	}
	caps.RAMTotalBytes = vmem.Total
	caps.RAMFreeBytes = vmem.Available

	return caps, nil
}

// DetectNodeType determines the node type based on hardware characteristics
func DetectNodeType(cpuThreads int, ramBytes uint64) NodeType {
	if hasLaptopBattery() {
		return NodeTypeLaptop
	}

	ramGB := float64(ramBytes) / (1024 * 1024 * 1024)
	if cpuThreads > ServerMinThreads && ramGB > ServerMinRAMGB {
		return NodeTypeServer
	}

	return NodeTypeDesktop
}

func hasLaptopBattery() bool {
	switch runtime.GOOS {
	case "linux":
		entries, err := os.ReadDir("/sys/class/power_supply")
		if err != nil {
			return false
		}
		for _, entry := range entries {
			if strings.Contains(strings.ToUpper(entry.Name()), "BAT") {
				return true
			}
		}
	case "darwin":
		out, err := exec.Command("system_profiler", "SPPowerDataType").Output()
		if err == nil && strings.Contains(string(out), "Battery") {
			return true
		}
	case "windows":
		out, err := exec.Command("wmic", "path", "win32_battery", "get", "status").Output()
		if err == nil && strings.Contains(string(out), "Status") {
			return true
		}
	}
	return false
}

// FormatRAM formats RAM bytes to human-readable string
func FormatRAM(bytes uint64) string {
	gb := float64(bytes) / (1024 * 1024 * 1024)
	return fmt.Sprintf("%.1f GB", gb)
}

// RecommendedCacheDir returns where OpenNeuro downloads should land
func RecommendedCacheDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(os.TempDir(), "rtbids-cache")
	}
	return filepath.Join(home, ".rtbids", "cache")
}
