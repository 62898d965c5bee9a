package main

import (
	"os"

	"convertd/commands"
	"convertd/logger"
)

func main() {
	if err := commands.Execute(); err != nil {
		logger.Errorf("convertd: %v", err)
		os.Exit(1)
	}
}
