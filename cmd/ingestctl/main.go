package main

import (
	"os"

	"github.com/dmitrijs2005/mediaingest/internal/ctl"
)

func main() {
	if err := ctl.NewRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}
