package main

import (
	"os"

	"github.com/hardctl/hardctl/cmd/hardctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
