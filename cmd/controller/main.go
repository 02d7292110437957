// Command controller runs the dispatch fabric's Controller process. It
// always runs the shared CLI's "controller" subcommand, passing its own
// arguments through; worker nodes run cmd/worker instead.
package main

import (
	"fmt"
	"os"

	"github.com/bytefuck/model-hub/internal/cli"
)

func main() {
	root := cli.BuildCLI()
	root.SetArgs(append([]string{"controller"}, os.Args[1:]...))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
