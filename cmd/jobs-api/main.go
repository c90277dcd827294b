package main

import (
	"fmt"
	"os"

	"github.com/chambrid/jobs-api/internal/api"
)

// Build-time variables set by ldflags
var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	buildInfo := api.BuildInfo{
		Version: version,
		Commit:  commit,
		Date:    date,
	}

	if err := api.Execute(buildInfo); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
