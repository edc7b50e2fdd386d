package main

import (
	"context"
	"flag"
	"os"
	"path"

	"github.com/google/subcommands"
)

func main() {
	commander := subcommands.NewCommander(flag.CommandLine, path.Base(os.Args[0]))
	register(commander)

	flag.Parse()
	os.Exit(int(commander.Execute(context.Background())))
}

func register(c *subcommands.Commander) {
	c.Register(c.HelpCommand(), "")
	c.Register(c.FlagsCommand(), "")
	c.Register(c.CommandsCommand(), "")

	c.Register(&buyCmd{}, "movements")
	c.Register(&sellCmd{}, "movements")

	c.Register(&positionCmd{}, "positions")
	c.Register(&positionsCmd{}, "positions")
	c.Register(&reportCmd{}, "positions")

	c.Register(&resetCmd{}, "admin")
}
