package main

import (
	"os"

	"github.com/lazypower/smolclaw/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
