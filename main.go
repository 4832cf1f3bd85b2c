package main

import (
	"fmt"
	"os"

	"github.com/je4os/harness/internal/cmd"
	"github.com/je4os/harness/internal/harness"
)

func main() {
	if err := cmd.Execute(); err != nil {
		if !harness.Reported(err) {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		}
		os.Exit(harness.ExitStatus(err))
	}
}
