package main

import "github.com/connpro/orchestrator/internal/cli"

func main() {
	cli.Execute()
}
