// Command waypoints drives a flight plan of waypoints through an external
// coding agent with verification, git checkpoints and operator interventions.
package main

import (
	"os"
)

func main() {
	if err := execute(os.Args[1:], os.Stdout, os.Stderr); err != nil {
		printError(os.Stderr, err)
		os.Exit(exitCode(err))
	}
}
