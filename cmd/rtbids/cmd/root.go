package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/rtbids/rtbids/pkg/client"
	tlsutil "github.com/rtbids/rtbids/pkg/tls"
)

var (
	serverURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caCert       string
	clientCert   string
	clientKey    string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "rtbids",
	Short: "CLI for BIDS datasets and the bidsd streaming daemon",
	Long: `rtbids works with BIDS neuroimaging datasets locally and against a
bidsd streaming daemon: inspect and query archives, fetch OpenNeuro
datasets, convert DICOM series, and stream volumes in real time.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	// Global flags
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.rtbids/config)")
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "", "bidsd API URL (default from config or http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "API key for authentication (default from config or RTBIDS_API_KEY)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
	rootCmd.PersistentFlags().StringVar(&caCert, "ca-cert", "", "CA certificate for verifying the daemon (for self-signed TLS)")
	rootCmd.PersistentFlags().StringVar(&clientCert, "client-cert", "", "client certificate for mTLS")
	rootCmd.PersistentFlags().StringVar(&clientKey, "client-key", "", "client key for mTLS")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}

		configDir := filepath.Join(home, ".rtbids")
		viper.AddConfigPath(configDir)
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("api_key", "RTBIDS_API_KEY")
	viper.BindEnv("server_url", "RTBIDS_SERVER")

	// Flags win over config and environment.
	viper.ReadInConfig()
	if serverURL == "" {
		serverURL = viper.GetString("server_url")
	}
	if apiKey == "" {
		apiKey = viper.GetString("api_key")
	}
	if serverURL == "" {
		serverURL = "http://localhost:8080"
	}
}

// GetServerURL returns the configured server URL with trailing slashes removed
func GetServerURL() string {
	return strings.TrimRight(serverURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

// GetAPIKey returns the configured API key
func GetAPIKey() string {
	return apiKey
}

// newClient builds an SDK client for the configured server
func newClient() *client.Client {
	var c *client.Client
	if caCert != "" || clientCert != "" {
		tlsConfig, err := tlsutil.LoadClientTLSConfig(clientCert, clientKey, caCert)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error loading TLS configuration: %v\n", err)
			os.Exit(1)
		}
		c = client.NewWithTLS(GetServerURL(), tlsConfig)
	} else {
		c = client.New(GetServerURL())
	}
	if apiKey != "" {
		c.SetAPIKey(apiKey)
	}
	return c
}
