// Command atsh is a sample ATS harness: a manifest and a script compiled
// into one binary. Run it with --info to list its parameters.
package main

import (
	"context"
	_ "embed"
	"os"

	"github.com/roach88/atsh/internal/cli"
	"github.com/roach88/atsh/internal/harness"
)

//go:embed atsh.cue
var manifest []byte

func definition() harness.Definition {
	return harness.Definition{
		Manifest:     manifest,
		ManifestFile: "atsh.cue",
		Script:       ping,
	}
}

func main() {
	os.Exit(cli.Execute(context.Background(), definition(), os.Args[1:], harness.IO{}))
}
