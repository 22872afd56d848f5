package main

import (
	"os"

	"github.com/rtbids/rtbids/cmd/rtbids/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
