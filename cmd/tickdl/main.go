package main

import "tick-downloader/internal/cli"

func main() {
	cli.Execute()
}
