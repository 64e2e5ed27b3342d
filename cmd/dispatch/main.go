package main

import (
	"os"

	"github.com/vinayprograms/taskdispatch/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
