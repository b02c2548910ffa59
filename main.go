package main

import (
	"fmt"
	"io"
	"os"

	"github.com/pkg/errors"
	flag "github.com/spf13/pflag"
)

// Version is set at build time via -ldflags
var Version = "dev"

// AppOptions holds the parsed command line
type AppOptions struct {
	ConfigFile string
	DataDir    string
	LogLevel   string

	MqttMode bool
	HttpMode bool
	HttpPort int

	BuildIndex string // directory of keyframe PCDs
	PosesFile  string
	IndexOut   string

	ReplayDir  string
	RenderOnly bool
	OutputFile string
}

// AppRunner is what run dispatches to. App implements it.
type AppRunner interface {
	ApplyOptions(opts AppOptions)
	RunService() error
	RunBuildIndex() error
	RunReplay() error
	RunRender() error
}

func main() {
	if err := run(os.Args[1:], os.Stdout, NewApp()); err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		fmt.Fprintf(os.Stderr, "mapmatch: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, out io.Writer, app AppRunner) error {
	fs := flag.NewFlagSet("mapmatch", flag.ContinueOnError)
	fs.SetOutput(out)

	var opts AppOptions
	fs.StringVar(&opts.ConfigFile, "config", "config.yaml", "Path to configuration file")
	fs.StringVar(&opts.DataDir, "data-dir", ".", "Directory for config, trajectory cache and default outputs")
	fs.StringVar(&opts.LogLevel, "log-level", "", "Override log.level from the config (debug, info, warn, error)")
	fs.BoolVar(&opts.MqttMode, "mqtt", false, "Consume frames and pose samples from MQTT and publish refined poses")
	fs.BoolVar(&opts.HttpMode, "http", false, "Serve status, maps and trajectory over HTTP")
	fs.IntVar(&opts.HttpPort, "http-port", 0, "HTTP server port (default from config, else 8080)")
	fs.StringVar(&opts.BuildIndex, "build-index", "", "Build a Scan Context index from the keyframe PCDs in this directory")
	fs.StringVar(&opts.PosesFile, "poses", "poses.json", "Keyframe poses for --build-index, keyed by file name")
	fs.StringVar(&opts.IndexOut, "index-out", "", "Output database for --build-index (default scan_context_path)")
	fs.StringVar(&opts.ReplayDir, "replay", "", "Run the matcher over the PCD frames in this directory")
	fs.BoolVar(&opts.RenderOnly, "render", false, "Render the global map PNG and exit")
	fs.StringVarP(&opts.OutputFile, "output", "o", "", "Output file for --replay and --render")
	showVersion := fs.Bool("version", false, "Print the version and exit")

	if err := fs.Parse(args); err != nil {
		return err
	}

	fmt.Fprintf(out, "mapmatch version: %s\n", Version)
	if *showVersion {
		return nil
	}

	app.ApplyOptions(opts)

	switch {
	case opts.BuildIndex != "":
		return app.RunBuildIndex()
	case opts.ReplayDir != "":
		return app.RunReplay()
	case opts.RenderOnly:
		return app.RunRender()
	case opts.MqttMode || opts.HttpMode:
		return app.RunService()
	}

	fmt.Fprintln(out, "mapmatch: nothing to do")
	fmt.Fprintln(out, "Use --mqtt to localize frames received over MQTT")
	fmt.Fprintln(out, "Use --http to serve status and maps over HTTP")
	fmt.Fprintln(out, "Use --mqtt --http to run both together")
	fmt.Fprintln(out, "Use --build-index DIR --poses FILE to build a place recognition index")
	fmt.Fprintln(out, "Use --replay DIR to localize recorded frames offline")
	fmt.Fprintln(out, "Use --render to write the global map PNG")
	fmt.Fprintln(out, "\nConfiguration:")
	fmt.Fprintln(out, "  config.yaml - map, filters, registration and MQTT settings")
	fmt.Fprintln(out, "  trajectory.json - accepted poses, kept in --data-dir")
	return nil
}
