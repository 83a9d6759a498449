package main

import (
	"fmt"
	"os"

	"github.com/beamcode/beamcode/internal/cmd"
)

// Version is set at build time via -ldflags.
var Version = "dev"

func main() {
	root := cmd.NewRootCmd(Version)
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}
