package main

import (
	"os"

	"github.com/substratefs/substrate/cmd/substrate-ctl/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
