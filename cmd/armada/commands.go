package main

import (
	"fmt"
	"io"
	"os"
)

type command interface {
	Run(args []string) int
}

type commandDeps struct {
	Stdout     io.Writer
	Stderr     io.Writer
	RunRun     func(args []string, out, errOut io.Writer) int
	RunServers func(args []string, out, errOut io.Writer) int
	RunVersion func(out io.Writer) int
}

func defaultCommandDeps() commandDeps {
	return commandDeps{
		Stdout:     os.Stdout,
		Stderr:     os.Stderr,
		RunRun:     runRun,
		RunServers: runServers,
		RunVersion: runVersion,
	}
}

type runCommand struct {
	deps commandDeps
}

func (c runCommand) Run(args []string) int {
	return c.deps.RunRun(args, c.deps.Stdout, c.deps.Stderr)
}

type serversCommand struct {
	deps commandDeps
}

func (c serversCommand) Run(args []string) int {
	return c.deps.RunServers(args, c.deps.Stdout, c.deps.Stderr)
}

type versionCommand struct {
	deps commandDeps
}

func (c versionCommand) Run(args []string) int {
	return c.deps.RunVersion(c.deps.Stdout)
}

type usageCommand struct {
	deps commandDeps
}

func (c usageCommand) Run(args []string) int {
	printUsage(c.deps.Stderr)
	return 2
}

func resolveCommand(args []string, deps commandDeps) (command, []string) {
	if len(args) > 0 && args[0] == "run" {
		return runCommand{deps: deps}, args[1:]
	}
	if len(args) > 0 && args[0] == "servers" {
		return serversCommand{deps: deps}, args[1:]
	}
	if len(args) > 0 && args[0] == "version" {
		return versionCommand{deps: deps}, args[1:]
	}
	return usageCommand{deps: deps}, args
}

func printUsage(out io.Writer) {
	fmt.Fprintln(out, "usage:")
	fmt.Fprintln(out, "  armada run -i inventory.toml [-g group] [--only k=v] [--except k=v] [--host h] [--record dir] <command>")
	fmt.Fprintln(out, "  armada servers -i inventory.toml [-g group] [--only k=v] [--except k=v]")
	fmt.Fprintln(out, "  armada version")
}
