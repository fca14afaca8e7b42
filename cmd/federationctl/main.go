// Command federationctl is the operator CLI. It talks to the database
// directly and runs syncs in-process with the daemon's configuration.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path"
	"syscall"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	commander.Register(commander.HelpCommand(), "")
	commander.Register(commander.FlagsCommand(), "")
	commander.Register(commander.CommandsCommand(), "")

	commander.Register(&sourcesCmd{}, "sources")
	commander.Register(&registerCmd{}, "sources")
	commander.Register(&toggleCmd{enable: true}, "sources")
	commander.Register(&toggleCmd{enable: false}, "sources")

	commander.Register(&syncCmd{}, "runs")
	commander.Register(&reconcileCmd{}, "runs")
	commander.Register(&runsCmd{}, "runs")
	commander.Register(&resetStaleCmd{}, "runs")

	commander.Register(&positionsCmd{}, "book")

	flag.Parse()
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	status := commander.Execute(ctx)
	stop()
	os.Exit(int(status))
}
