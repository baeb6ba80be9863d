package main

import (
	"errors"
	"flag"
	"fmt"
	"os"
	"path/filepath"

	"escape-vpn/internal/core"
)

// Build info, injected via ldflags at compile time.
var (
	version   = "dev"
	commit    = "unknown"
	buildDate = "unknown"
)

const usage = `Usage: escape-vpn <command> [flags] [args]

Commands:
  launch [--delay MS] [--] <command...>
                                     run a command and route its stalled connections;
                                     options go before the command, the rest is passed to it
  attach [--delay MS] <pid>          monitor a running process
  detach <pid>                       stop monitoring a process
  purge                              remove every installed route
  list                               show tracked destinations and processes
  service [address] [flags]          run the daemon
  version                            print version and exit
`

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(args []string) int {
	if len(args) == 0 {
		fmt.Fprint(os.Stderr, usage)
		return 2
	}

	cmd, rest := args[0], args[1:]
	switch cmd {
	case "launch":
		return runLaunch(rest)
	case "attach":
		return runAttach(rest)
	case "detach":
		return runDetach(rest)
	case "purge":
		return runPurge(rest)
	case "list":
		return runList(rest)
	case "service":
		return runService(rest)
	case "version", "-version", "--version":
		fmt.Printf("escape-vpn %s (commit=%s, built=%s)\n", version, commit, buildDate)
		return 0
	case "help", "-h", "--help":
		fmt.Print(usage)
		return 0
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s", cmd, usage)
		return 2
	}
}

// clientFlags are shared by every command that talks to the daemon.
type clientFlags struct {
	addressFile string
	logLevel    string
}

func (c *clientFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&c.addressFile, "address-file", core.DefaultAddressFile(), "File the daemon publishes its address to")
	fs.StringVar(&c.logLevel, "log-level", "warn", "Client log level (debug, info, warn, error, off)")
}

func (c *clientFlags) apply() {
	core.Log.Configure(core.LogConfig{Level: c.logLevel})
}

// parseInterleaved parses flags that may appear before or after positional
// arguments and returns the positionals.
func parseInterleaved(fs *flag.FlagSet, args []string) ([]string, error) {
	var positional []string
	for {
		if err := fs.Parse(args); err != nil {
			return nil, err
		}
		args = fs.Args()
		if len(args) == 0 {
			return positional, nil
		}
		positional = append(positional, args[0])
		args = args[1:]
	}
}

// launchCommand parses launch options and returns the command line to run.
// Parsing stops at the first non-flag argument or at "--", so flags after
// the command name belong to the command.
func launchCommand(fs *flag.FlagSet, args []string) ([]string, error) {
	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	if fs.NArg() == 0 {
		return nil, errors.New("missing command")
	}
	return fs.Args(), nil
}

// resolveRelativeToExe resolves a relative path against the directory containing
// the running executable. Absolute paths are returned unchanged.
func resolveRelativeToExe(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	if _, err := os.Stat(path); err == nil {
		return path
	}
	exe, err := os.Executable()
	if err != nil {
		core.Log.Warnf("Core", "Cannot determine executable path, using %q as-is: %v", path, err)
		return path
	}
	return filepath.Join(filepath.Dir(exe), path)
}
