// Package main implements the framedescr CLI tool.
//
// The framedescr tool works with descriptor batch files, the on-disk form
// of the frame descriptor tables that dynamically loaded code registers
// with the runtime. It can:
//
//  1. Generate batch files with synthetic descriptors
//  2. Inspect how a set of batch files lays out in the index
//  3. Look up return addresses
//  4. Stress the registry with concurrent lookups, loads and unloads
//  5. Drive the registry interactively
//  6. Follow a plugin directory, loading and unloading its batch files
//
// Usage:
//
//	framedescr gen -o plugin.fdb -n 1000     # Write a batch file
//	framedescr inspect plugin.fdb            # Register it and print index stats
//	framedescr lookup plugin.fdb --pc 0x401000
//	framedescr stress --readers 8 --cycles 500
//	framedescr shell
//	framedescr watch plugins/
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/kolkov/framedescr/frames"
)

// errUsage marks errors caused by bad arguments; usage has been printed.
var errUsage = errors.New("usage error")

func main() {
	os.Exit(run(os.Args[1:], os.Stdout, os.Stderr))
}

// run executes one CLI invocation and returns the process exit code.
func run(args []string, out, errOut io.Writer) int {
	if len(args) < 1 {
		printUsage(errOut)
		return 1
	}

	command, rest := args[0], args[1:]

	var err error
	switch command {
	case "gen":
		err = runGen(rest, out, errOut)
	case "inspect":
		err = runInspect(rest, out, errOut)
	case "lookup":
		err = runLookup(rest, out, errOut)
	case "stress":
		err = runStress(rest, out, errOut)
	case "shell":
		err = runShell(rest, out, errOut)
	case "watch":
		err = runWatch(rest, out, errOut)
	case "version", "--version":
		info := frames.GetInfo()
		fmt.Fprintf(out, "framedescr version %s (batch format %s)\n", info.Version, info.BatchFormat)
	case "help", "--help", "-h":
		printUsage(out)
	default:
		fmt.Fprintf(errOut, "Unknown command: %s\n\n", command)
		printUsage(errOut)
		return 1
	}

	if err != nil {
		if !errors.Is(err, errUsage) {
			fmt.Fprintf(errOut, "error: %v\n", err)
		}
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprint(w, `framedescr - frame descriptor registry tool

USAGE:
    framedescr <command> [arguments]

COMMANDS:
    gen        Write a batch file of synthetic descriptors
    inspect    Register batch files and print index statistics
    lookup     Look up return addresses in batch files
    stress     Run concurrent lookups against loads and unloads
    shell      Interactive registry shell
    watch      Keep a registry in step with a directory of batch files
    version    Show version information
    help       Show this help message

EXAMPLES:
    # Generate 1000 descriptors with allocation tables
    framedescr gen -o plugin.fdb -n 1000 --allocs

    # Show capacity, load and probe lengths
    framedescr inspect main.fdb plugin.fdb

    # Find the descriptor for a return address
    framedescr lookup plugin.fdb --pc 0x401000 --pc 0x401010

    # Stress with a JSONC config file
    framedescr stress --config stress.jsonc

    # Load, reload and unload batch files as a plugin directory changes
    framedescr watch -v plugins/

Run 'framedescr <command> --help' for command flags.
`)
}
