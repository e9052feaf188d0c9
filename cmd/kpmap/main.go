package main

import (
	"os"

	"github.com/go-delve/kpmap/cmd/kpmap/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
