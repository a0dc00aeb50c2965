// Copyright (C) 2019 The Nog Authors.
// See LICENSE for copying information.

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/zeebo/errs"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"gopkg.in/mgo.v2/bson"

	"github.com/nogproject/nog/internal/sync2"
	"github.com/nogproject/nog/pkg/buckets"
	"github.com/nogproject/nog/pkg/doclock"
	"github.com/nogproject/nog/pkg/process"
	"github.com/nogproject/nog/pkg/vault"
)

// Error is the nogd error class.
var Error = errs.Class("nogd")

var (
	rootCmd = &cobra.Command{
		Use:   "nogd",
		Short: "Nog maintenance daemon",
	}
	runCmd = &cobra.Command{
		Use:   "run",
		Short: "Run the daemon",
		RunE:  cmdRun,
	}

	cfgFile string
)

func init() {
	rootCmd.AddCommand(runCmd)
	runCmd.Flags().StringVar(&cfgFile, "config", "",
		"JSON config file; NOGD_CONFIG may name a file or contain inline JSON")
}

func main() {
	process.Execute(rootCmd)
}

func cmdRun(cmd *cobra.Command, args []string) (err error) {
	ctx, cancel := process.Ctx()
	defer cancel()

	log, err := process.NewLogger()
	if err != nil {
		return err
	}
	defer func() { _ = log.Sync() }()

	cfg, err := process.LoadConfig(cfgFile)
	if err != nil {
		return err
	}
	log.Info("Loaded configuration.",
		zap.String("config", buckets.ConfigString(cfg)))

	vaultAddr, _ := cfg["vaultAddr"].(string)
	vaultCacert, _ := cfg["vaultCacert"].(string)
	client, err := vault.NewClient(vault.Config{
		Addr:   vaultAddr,
		CACert: vaultCacert,
	})
	if err != nil {
		return err
	}

	manager, err := buckets.NewVaultConfig(log, client, cfg, "")
	if err != nil {
		return err
	}
	defer func() {
		err = errs.Combine(err, manager.Close())
	}()

	bctx, err := buckets.NewContext(log, manager, nil)
	if err != nil {
		return err
	}
	defer bctx.Close()

	if err := bctx.CheckBucketAccess(ctx); err != nil {
		return err
	}

	daemons := bctx.DB.C("daemons")
	if _, err := daemons.UpsertId(bctx.DaemonID, bson.M{
		"$set":         bson.M{"startTime": time.Now().UTC()},
		"$setOnInsert": bson.M{"locks": []interface{}{}},
	}); err != nil {
		return Error.Wrap(err)
	}
	log.Info("Registered daemon.", zap.String("daemonId", bctx.DaemonID))

	hostname, err := os.Hostname()
	if err != nil {
		hostname = "unknown"
	}
	holder := fmt.Sprintf("%s-%d", hostname, os.Getpid())
	lock := doclock.New(log, daemons, bctx.DaemonID, holder, bson.M{"op": "run"})

	if _, err := lock.ReapStale(); err != nil {
		return err
	}
	ok, err := lock.TryLock()
	if err != nil {
		return err
	}
	if !ok {
		return Error.New("already running: %s", lock)
	}
	defer func() {
		err = errs.Combine(err, lock.Unlock())
	}()

	group, gctx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return manager.Run(gctx)
	})
	group.Go(func() error {
		renew := sync2.NewCycle(doclock.RenewInterval)
		return renew.Run(gctx, func(context.Context) error {
			return lock.Renew()
		})
	})

	log.Info("Started nogd.")
	if err := group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		return err
	}
	log.Info("Stopped nogd.")
	return nil
}
