package main

import "github.com/jasperdg/session-change-monitoring/internal/cli"

func main() {
	cli.Execute()
}
