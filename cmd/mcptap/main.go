package main

import "github.com/felipestenzel/mcp-tap/internal/cli"

func main() {
	cli.Execute()
}
