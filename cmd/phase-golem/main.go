// Command phase-golem drives a backlog of work items through configurable
// phases, each executed by an external AI agent subprocess.
package main

import (
	"os"

	"github.com/phase-golem/phase-golem/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
