package main

import (
	"os"

	"github.com/torlnapp/mls/cmd/mlsctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
