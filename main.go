package main

import (
	"os"

	"github.com/dominikschlosser/oid4vc-issuer/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
