package main

import "github.com/bioflow/collector/internal/cli"

func main() {
	cli.Execute()
}
