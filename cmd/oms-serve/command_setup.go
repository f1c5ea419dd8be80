// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"

	"github.com/antgroup/oms/pkg/serve"
	"github.com/sirupsen/logrus"
)

type Setup struct {
	Config string `short:"c" name:"config" help:"Location of server config file" default:"~/config/oms-serve.toml" type:"path"`
}

func (c *Setup) Run(globals *Globals) error {
	setupLogging(globals.Verbose)
	sc, err := serve.LoadConfig(c.Config, globals.ExpandEnv)
	if err != nil {
		logrus.Errorf("oms-serve load server config error: %v", err)
		return err
	}
	srv, err := serve.NewServer(sc)
	if err != nil {
		logrus.Errorf("oms-serve new server error: %v", err)
		return err
	}
	defer srv.Close() // nolint: errcheck
	if err := srv.Setup(context.Background()); err != nil {
		logrus.Errorf("oms-serve setup storage error: %v", err)
		return err
	}
	logrus.Infof("storage schema is up to date")
	return nil
}
