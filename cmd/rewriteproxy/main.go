package main

import (
	"os"

	"github.com/charmbracelet/log"
	"github.com/lkarlslund/rewriteproxy/cmd"
)

func main() {
	if err := cmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
