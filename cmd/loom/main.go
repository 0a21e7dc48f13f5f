package main

import (
	"os"

	"github.com/loomworks/loom/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
