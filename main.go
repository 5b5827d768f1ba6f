package main

import (
	"os"

	"netscript/cli"
)

func main() {
	app := cli.NewApp()
	if err := app.Run(); err != nil {
		os.Exit(1)
	}
}
