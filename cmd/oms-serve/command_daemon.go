// Copyright ©️ Ant Group. All rights reserved.
// SPDX-License-Identifier: Apache-2.0

package main

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/antgroup/oms/pkg/serve"
	"github.com/sirupsen/logrus"
)

type Daemon struct {
	Config string `short:"c" name:"config" help:"Location of server config file" default:"~/config/oms-serve.toml" type:"path"`
}

func (c *Daemon) Run(globals *Globals) error {
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
	ctx, stop := signal.NotifyContext(context.Background(),
		syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	defer stop()
	if err := srv.Setup(ctx); err != nil {
		logrus.Errorf("oms-serve setup storage error: %v", err)
		_ = srv.Close()
		return err
	}
	logrus.Infof("oms-serve daemon started")
	if err := srv.Run(ctx); err != nil && ctx.Err() == nil {
		logrus.Errorf("oms-serve run error: %v", err)
		_ = srv.Close()
		return err
	}
	logrus.Infof("oms-serve exiting ...")
	if err := srv.Close(); err != nil {
		logrus.Errorf("oms-serve close error: %v", err)
		return err
	}
	logrus.Infof("oms-serve exited")
	return nil
}
