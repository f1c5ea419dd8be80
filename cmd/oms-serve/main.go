// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"os"

	"github.com/alecthomas/kong"
)

type App struct {
	Globals
	Daemon Daemon `cmd:"daemon" help:"start oms-serve core daemon"`
	Setup  Setup  `cmd:"setup" help:"create or migrate the storage schema and exit"`
}

func main() {
	var app App
	ctx := kong.Parse(&app,
		kong.Name("oms-serve"),
		kong.Description("OMS - versioned, branchable ontology schema store"),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
		}),
		kong.Vars{
			"version": version,
		},
	)
	if err := ctx.Run(&app.Globals); err != nil {
		os.Exit(1)
	}
}
