package main

import (
	"os"

	"github.com/salonhub/klaviyo-bridge/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
