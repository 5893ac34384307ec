package main

import (
	"fmt"
	"os"

	"github.com/kubiyabot/gha-autoscaler/internal/cli"
	"github.com/kubiyabot/gha-autoscaler/internal/errors"
	"github.com/kubiyabot/gha-autoscaler/internal/version"
)

// Set by goreleaser
var (
	commit  = "unknown"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	version.SetBuildInfo(commit, date, builtBy)

	if err := cli.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errors.FormatSimple(err))
		os.Exit(errors.ExitCodeFromError(err))
	}
}
