package main

import (
	"os"

	"github.com/jgoldverg/bitrate/cli"
	"github.com/jgoldverg/bitrate/internal"
)

func main() {
	rootCmd := cli.NewRootCommand()

	if err := rootCmd.Execute(); err != nil {
		internal.Error("command failed", internal.Fields{
			internal.FieldError: err.Error(),
		})
		os.Exit(1)
	}
}
