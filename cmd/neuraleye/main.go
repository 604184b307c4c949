// NeuralEye relay: reassembles camera frames from MQTT chunks and streams
// them to WebSocket viewers.
//
// Usage:
//
//	neuraleye serve [--config path]
//	neuraleye migrate [--config path]
//	neuraleye hash-token <token>
package main

import (
	"errors"
	"fmt"
	"os"

	"github.com/urfave/cli/v2"

	"github.com/marcus-qen/neuraleye/internal/server"
)

// Set via ldflags at build time.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	server.Version, server.Commit, server.Date = version, commit, date

	app := &cli.App{
		Name:           "neuraleye",
		Usage:          "Camera frame relay: MQTT chunks in, WebSocket frames out",
		Version:        fmt.Sprintf("%s (commit: %s)", version, commit),
		ExitErrHandler: exitErrHandler,
		Commands: []*cli.Command{
			serveCommand(),
			migrateCommand(),
			hashTokenCommand(),
		},
	}

	if err := app.Run(os.Args); err != nil {
		os.Exit(1)
	}
}

// exitErrHandler preserves exit codes from cli.Exit and maps anything else
// to 1.
func exitErrHandler(_ *cli.Context, err error) {
	if err == nil {
		return
	}

	var exitCoder cli.ExitCoder
	if errors.As(err, &exitCoder) {
		code := exitCoder.ExitCode()
		msg := exitCoder.Error()
		if msg != "" && msg != fmt.Sprintf("exit status %d", code) {
			fmt.Fprintln(os.Stderr, msg)
		}
		os.Exit(code)
	}

	fmt.Fprintf(os.Stderr, "Error: %v\n", err)
	os.Exit(1)
}
