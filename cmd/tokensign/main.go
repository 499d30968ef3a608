package main

import (
	"os"

	"github.com/vocdoni/gofirma/tokensign/internal/cli"
)

func main() {
	if err := cli.Execute(); err != nil {
		os.Exit(1)
	}
}
