package main

import (
	"os"

	"github.com/aruna/floweval/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
