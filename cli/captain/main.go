package main

import (
	"os"

	captaincmder "github.com/papercomputeco/captain/cmd/captain"
)

func main() {
	cmd := captaincmder.NewCaptainCmd()
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}
