package main

import (
	"os"

	"github.com/mailhook/mailhook/cmd/mailhookctl/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
