package main

import (
	"os"

	"github.com/modforge/genwatch/internal/cli"
)

func main() {
	os.Exit(cli.Execute())
}
