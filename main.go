package main

import (
	"os"

	"github.com/makalin/loom/cli"
)

func main() {
	os.Exit(cli.Execute())
}
