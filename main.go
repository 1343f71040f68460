package main

import (
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the command line options.
type AppOptions struct {
	ConfigFile  string
	Service     bool
	HTTPPort    int
	ReplayFile  string
	OutputFile  string
	CheckConfig bool
	Debug       bool
}

// Application is what run dispatches to.
type Application interface {
	ApplyOptions(opts AppOptions)
	RunService() error
	RunReplay() error
	RunCheckConfig() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			return
		}
		fmt.Fprintf(os.Stderr, "dronefuse: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app Application) error {
	fs := flag.NewFlagSet("dronefuse", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.BoolVar(&opts.Service, "service", false, "Run the fusion service (MQTT input, optional serial IMU and HTTP)")
	fs.IntVar(&opts.HTTPPort, "http-port", 0, "HTTP server port, overrides http.port from the config (0 keeps the config value)")
	fs.StringVar(&opts.ReplayFile, "replay", "", "Process a JSONL recording offline and exit")
	fs.StringVar(&opts.OutputFile, "output", "", "Log record output for --replay (default: recording name with .log)")
	fs.BoolVar(&opts.CheckConfig, "check-config", false, "Load and validate the configuration, print a summary and exit")
	fs.BoolVar(&opts.Debug, "debug", false, "Enable debug logging")

	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() > 0 {
		return fmt.Errorf("unexpected arguments: %v", fs.Args())
	}

	fmt.Fprintf(out, "dronefuse version: %s\n", Version)
	app.ApplyOptions(opts)

	switch {
	case opts.CheckConfig:
		return app.RunCheckConfig()
	case opts.ReplayFile != "":
		return app.RunReplay()
	case opts.Service:
		return app.RunService()
	}

	fmt.Fprintln(out, "No mode selected.")
	fmt.Fprintln(out, "Use --service to run the fusion service")
	fmt.Fprintln(out, "Use --replay=FILE to process a recording offline")
	fmt.Fprintln(out, "Use --check-config to validate the configuration")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - MQTT topics, fusion tuning, camera calibration, recording")
	return nil
}
