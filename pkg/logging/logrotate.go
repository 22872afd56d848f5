package logging

import "fmt"

// GenerateLogrotateConfig creates a logrotate configuration for a component
func GenerateLogrotateConfig(component string) string {
	return fmt.Sprintf(`# Logrotate configuration for rtbids %s
# Install: sudo cp this file to /etc/logrotate.d/rtbids-%s

/var/log/rtbids/%s/*.log {
    # Rotate daily
    daily

    # Keep 14 days of logs
    rotate 14

    # Compress old logs
    compress
    delaycompress

    # Don't error if log is missing
    missingok

    # Don't rotate empty logs
    notifempty

    # Create new log with these permissions
    create 0644 rtbids rtbids

    # Run postrotate script only once for all logs
    sharedscripts

    # Reload service after rotation
    postrotate
        systemctl reload rtbids-%s 2>/dev/null || true
    endscript
}
`, component, component, component, component)
}

// GenerateDaemonLogrotate generates logrotate config for the bidsd daemon
func GenerateDaemonLogrotate() string {
	return GenerateLogrotateConfig("bidsd")
}

// GenerateWatcherLogrotate generates logrotate config for the DICOM watcher
func GenerateWatcherLogrotate() string {
	return GenerateLogrotateConfig("watcher")
}
