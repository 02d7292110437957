// Command worker runs one dispatch fabric Worker process, fronting a
// single model backend.
package main

import (
	"fmt"
	"os"

	"github.com/bytefuck/model-hub/internal/cli"
)

func main() {
	root := cli.BuildCLI()
	root.SetArgs(append([]string{"worker"}, os.Args[1:]...))
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
