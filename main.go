package main

import (
	_ "go.uber.org/automaxprocs"

	"github.com/joescharf/advisor/cmd"
)

// Set by goreleaser ldflags.
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cmd.Execute(version, commit, date)
}
