package main

import "github.com/clawdbot/bouncer/internal/cli"

func main() {
	cli.Execute()
}
