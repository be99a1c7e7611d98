// Copyright (C) 2016  Lukas Lalinsky
// Distributed under the MIT license, see the LICENSE file for details.

// Command fpindexd is a small CLI for exercising a fingerprint index
// directly, grounded on acoustid-api's index/cmd/aindex/main.go urfave/cli
// command table.
package main

import (
	"log"
	"os"

	"gopkg.in/urfave/cli.v1"
)

func main() {
	app := cli.NewApp()
	app.Name = "fpindexd"
	app.HelpName = os.Args[0]
	app.Usage = "audio fingerprint index"
	app.HideVersion = true
	app.Commands = []cli.Command{
		insertCommand,
		searchCommand,
		optimizeCommand,
		cleanupCommand,
		attrCommand,
	}
	app.Before = func(ctx *cli.Context) error {
		log.SetFlags(log.Ldate | log.Ltime | log.Lmicroseconds)
		return nil
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}
