package main

import (
	"fmt"
	"io"
	"runtime/debug"
)

func runVersion(out io.Writer) int {
	version := "devel"
	if info, ok := debug.ReadBuildInfo(); ok && info.Main.Version != "" && info.Main.Version != "(devel)" {
		version = info.Main.Version
	}
	fmt.Fprintf(out, "armada %s\n", version)
	return 0
}
