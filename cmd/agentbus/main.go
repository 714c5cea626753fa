// Package main is the entry point for the agentbus CLI.
package main

import (
	"os"

	"github.com/KafClaw/agentbus/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
