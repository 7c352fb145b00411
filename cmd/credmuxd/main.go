package main

import (
	"os"

	"github.com/credmux/credmux/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
