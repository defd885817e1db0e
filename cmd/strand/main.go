package main

import (
	"os"

	"github.com/tillberg/autorestart"

	"github.com/soyeahso/strand/internal/cli"
)

func main() {
	// Development builds re-exec themselves when the binary changes.
	if os.Getenv("STRAND_DEV_AUTORESTART") != "" {
		go autorestart.RestartOnChange()
	}

	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
