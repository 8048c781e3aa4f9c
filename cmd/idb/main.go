package main

import (
	"os"

	"github.com/go-delve/inferior/cmd/idb/cmds"
	"github.com/go-delve/inferior/pkg/version"
)

// Build is the git sha of this binaries build.
var Build string

func main() {
	if Build != "" {
		version.IdbVersion.Build = Build
	}
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
