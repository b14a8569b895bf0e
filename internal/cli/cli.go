// Package cli parses command-line arguments, validates user input and
// handles process-level concerns like exit codes. It translates CLI flags
// into the application's internal configuration.
package cli

import (
	"flag"
	"fmt"
	"io"
	"strings"

	"github.com/vk/fieldgrid/internal/app"
)

// ExitError carries a specific process exit code.
type ExitError struct {
	Code    int
	Message string
}

func (e *ExitError) Error() string {
	return e.Message
}

// Parse processes command-line arguments. It returns a populated app config,
// a boolean indicating the program should exit cleanly, or an ExitError.
func Parse(args []string, output io.Writer) (*app.Config, bool, error) {
	flagSet := flag.NewFlagSet("fieldgrid", flag.ContinueOnError)
	flagSet.SetOutput(output)

	flagSet.Usage = func() {
		fmt.Fprint(output, `
fieldgrid - a dataflow kernel compiler and distributed step scheduler.

Usage:
  fieldgrid [options] [TOPOLOGY_PATH]

Arguments:
  TOPOLOGY_PATH
    Path to a topology .hcl file or a directory containing .hcl files.
    Omitted: a single local node with one device.

Options:
`)
		flagSet.PrintDefaults()
	}

	topologyFlag := flagSet.String("topology", "", "Path to the topology file or directory.")
	tFlag := flagSet.String("t", "", "Path to the topology file or directory (shorthand).")
	stepsFlag := flagSet.Int("steps", 10, "Number of scheduler steps to run. 0 runs until interrupted.")
	optimizeFlag := flagSet.Bool("optimize", true, "Fuse eligible kernel pairs before scheduling.")
	probeFlag := flagSet.String("probe", "", "Comma-separated field names to print after the run.")
	workerFlag := flagSet.String("worker", "", "Run as the named compute node instead of the top graph.")
	listenFlag := flagSet.String("listen", ":9310", "Transport listen address in worker mode.")
	logFormatFlag := flagSet.String("log-format", "text", "Log output format. Options: 'text' or 'json'.")
	logLevelFlag := flagSet.String("log-level", "info", "Logging level. Options: 'debug', 'info', 'warn', 'error'.")

	if err := flagSet.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil, true, nil
		}
		return nil, false, &ExitError{Code: 2, Message: err.Error()}
	}

	path := *topologyFlag
	if path == "" {
		path = *tFlag
	}
	if path == "" && flagSet.NArg() > 0 {
		path = flagSet.Arg(0)
	}

	if *stepsFlag < 0 {
		return nil, false, &ExitError{Code: 2, Message: "steps must not be negative"}
	}

	var probes []string
	for _, p := range strings.Split(*probeFlag, ",") {
		if p = strings.TrimSpace(p); p != "" {
			probes = append(probes, p)
		}
	}

	return &app.Config{
		TopologyPath: path,
		Steps:        *stepsFlag,
		Optimize:     *optimizeFlag,
		Probes:       probes,
		WorkerNode:   *workerFlag,
		ListenAddr:   *listenFlag,
		LogFormat:    strings.ToLower(*logFormatFlag),
		LogLevel:     strings.ToLower(*logLevelFlag),
	}, false, nil
}
