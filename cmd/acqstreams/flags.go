package main

import (
	"flag"
	"fmt"
	"os"
)

// CLIConfig holds command-line configuration.
type CLIConfig struct {
	ConfigPath  string
	LogLevel    string
	LogFormat   string
	Scan        bool
	Validate    bool
	ShowVersion bool
	ShowHelp    bool
}

func parseFlags() *CLIConfig {
	cfg := &CLIConfig{}

	flag.StringVar(&cfg.ConfigPath, "config",
		getEnv("ACQSTREAMS_CONFIG", ""),
		"Path to capture configuration file (env: ACQSTREAMS_CONFIG)")
	flag.StringVar(&cfg.ConfigPath, "c",
		getEnv("ACQSTREAMS_CONFIG", ""),
		"Path to capture configuration file (env: ACQSTREAMS_CONFIG)")

	flag.StringVar(&cfg.LogLevel, "log-level",
		getEnv("ACQSTREAMS_LOG_LEVEL", "info"),
		"Log level: debug, info, warn, error (env: ACQSTREAMS_LOG_LEVEL)")

	flag.StringVar(&cfg.LogFormat, "log-format",
		getEnv("ACQSTREAMS_LOG_FORMAT", "text"),
		"Log format: json, text (env: ACQSTREAMS_LOG_FORMAT)")

	flag.BoolVar(&cfg.Scan, "scan", false, "Scan for devices and exit")
	flag.BoolVar(&cfg.Validate, "validate", false, "Validate configuration and exit")
	flag.BoolVar(&cfg.ShowVersion, "version", false, "Show version information")
	flag.BoolVar(&cfg.ShowVersion, "v", false, "Show version information")
	flag.BoolVar(&cfg.ShowHelp, "help", false, "Show help information")
	flag.BoolVar(&cfg.ShowHelp, "h", false, "Show help information")

	flag.Usage = printDetailedHelp
	flag.Parse()

	return cfg
}

func printDetailedHelp() {
	_, _ = fmt.Fprintf(os.Stderr, `%s - hardware acquisition front-end

Usage: %s [options]

Options:
`, appName, os.Args[0])
	flag.PrintDefaults()
	_, _ = fmt.Fprintf(os.Stderr, `
Examples:
  # Capture with a configuration file
  %s --config=configs/capture.yaml

  # Built-in demo device, no configuration needed
  %s --log-level=debug

  # List devices the configured drivers can see
  %s --config=configs/capture.yaml --scan

Version: %s
`, os.Args[0], os.Args[0], os.Args[0], Version)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}
