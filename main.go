package main

import "affiliate-sentinel/internal/cli"

func main() {
	cli.Execute()
}
