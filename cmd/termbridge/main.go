// Package main is the termbridge entry point. The binary dispatches a
// small set of subcommands: the default runs the bridge, `hook` is
// invoked by the assistant CLI's session-start hook, and `add-agent`
// appends an agent block to the settings file.
package main

import (
	"fmt"
	"os"
)

func main() {
	args := os.Args[1:]
	cmd := "run"
	if len(args) > 0 && args[0] != "" && args[0][0] != '-' {
		cmd = args[0]
		args = args[1:]
	}

	var err error
	switch cmd {
	case "run":
		err = runBridge(args)
	case "hook":
		err = runHook(args)
	case "add-agent":
		err = runAddAgent(args)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\nusage: termbridge [run|hook|add-agent]\n", cmd)
		os.Exit(1)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "termbridge %s: %v\n", cmd, err)
		os.Exit(1)
	}
}
