package main

import "github.com/agentic-research/relbrowse/cmd"

func main() {
	cmd.Execute()
}
