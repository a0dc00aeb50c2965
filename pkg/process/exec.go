// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

// Package process provides the daemon bootstrap: logging, configuration
// loading, and command execution with signal handling.
package process

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/zeebo/errs"
)

// Error is the process error class.
var Error = errs.Class("process")

// Execute runs a *cobra.Command with process-wide configuration.  Flags
// can also be set through NOGD_-prefixed environment variables, for
// example NOGD_LOG_ENCODING=json.
func Execute(cmd *cobra.Command) {
	pflag.CommandLine.AddGoFlagSet(flag.CommandLine)

	cobra.OnInitialize(func() {
		viper.BindPFlags(cmd.Flags())
		viper.SetEnvPrefix("nogd")
		viper.AutomaticEnv()
	})

	Must(cmd.Execute())
}

// Ctx returns a context that is cancelled on SIGTERM or SIGINT, so the
// daemon can unlock and revoke leases before exiting.
func Ctx() (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	c := make(chan os.Signal, 1)
	signal.Notify(c, syscall.SIGTERM, syscall.SIGINT)
	go func() {
		<-c
		signal.Stop(c)
		cancel()
	}()
	return ctx, cancel
}

// Must exits on error.
func Must(err error) {
	if err != nil {
		log.Fatal(err)
	}
}
