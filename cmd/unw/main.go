package main

import (
	"os"

	"github.com/go-unwind/unwind/cmd/unw/cmds"
)

func main() {
	if err := cmds.New().Execute(); err != nil {
		os.Exit(1)
	}
}
