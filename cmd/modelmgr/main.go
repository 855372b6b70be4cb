package main

import (
	"os"

	"modelmgr/internal/cli"
)

func main() {
	os.Exit(cli.Main())
}
