package main

import "cvdwatcher/internal/cli"

func main() {
	cli.Execute()
}
