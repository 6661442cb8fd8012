// Command distributord is a demonstration node for the message-distribution
// core: it loads a bootstrap config, waits for every configured peer to
// become reachable, then relays lines typed on stdin as reliably broadcast
// messages and prints whatever it delivers.
package main

import (
	"fmt"
	"os"

	"github.com/urfave/cli/v2"
)

var (
	version = "dev"
)

func main() {
	app := &cli.App{
		Name:    "distributord",
		Usage:   "run or bootstrap a message-distribution core node",
		Version: version,
		Commands: []*cli.Command{
			runCommand,
			keygenCommand,
		},
	}

	if err := app.Run(os.Args); err != nil {
		fmt.Fprintln(os.Stderr, "distributord:", err)
		os.Exit(1)
	}
}
