package main

import (
	"os"

	"rebalancer/cmd/rebalancer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
