package main

import (
	"os"

	"cloakroom/cmd/cloakroom/commands"
)

func main() {
	if err := commands.Execute(); err != nil {
		os.Exit(1)
	}
}
