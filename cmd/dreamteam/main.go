package main

import (
	"os"

	"github.com/aristath/dreamteam/internal/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
