package main

import (
	"os"

	"github.com/reliefwings/skybridge/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
