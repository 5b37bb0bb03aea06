// Command stage-launch starts a staging command detached from its caller and
// reports the command's pid through a pidfile.
package main

import (
	"fmt"
	"io"
	"os"

	"github.com/mattjoyce/stagerd/internal/launcher"
)

func main() {
	os.Exit(run(os.Args[1:], os.Stderr))
}

func run(args []string, stderr io.Writer) int {
	opts, err := launcher.ParseArgs(args)
	if err != nil {
		fmt.Fprintf(stderr, "stage-launch: %v\n%s\n", err, launcher.Usage())
		return 2
	}
	if _, err := launcher.Launch(opts); err != nil {
		fmt.Fprintf(stderr, "stage-launch: %v\n", err)
		return 1
	}
	return 0
}
