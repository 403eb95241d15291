package main

import "github.com/agentdeck/agentdeck/internal/cli"

func main() {
	cli.Execute()
}
