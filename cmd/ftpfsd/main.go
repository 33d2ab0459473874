// Copyright 2015 Google Inc. All Rights Reserved.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// ftpfsd mounts an FTP server as a read-only file system and serves it.
//
//	ftpfsd [flags] ftp://host/path mountpoint
//
// The process hosts both halves of the system: the file system proper,
// and the helper daemon answering its requests over the control device.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/jacobsa/daemonize"
	"github.com/jacobsa/ftpfs"
	"github.com/jacobsa/ftpfs/ctldev"
	"github.com/jacobsa/ftpfs/daemon"
	"github.com/jacobsa/fuse"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	fUser       string
	fPass       string
	fForeground bool
	fVerbose    bool
)

var rootCmd = &cobra.Command{
	Use:   "ftpfsd ftp://host/path mountpoint",
	Short: "Mount an FTP server as a read-only file system",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		return run(args[0], args[1])
	},
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().StringVar(&fUser, "user", "", "login name (default \"ftp\")")
	rootCmd.Flags().StringVar(&fPass, "pass", "", "password (default \"ftp\")")
	rootCmd.Flags().BoolVar(&fForeground, "foreground", false, "stay in the foreground")
	rootCmd.Flags().BoolVar(&fVerbose, "verbose", false, "print diagnostics")
}

func run(target, mountPoint string) error {
	// Re-invoke ourselves in the background unless asked not to, signalling
	// the outcome of the mount back to the parent.
	if !fForeground {
		args := append([]string{"--foreground"}, os.Args[1:]...)
		return daemonize.Run(os.Args[0], args, os.Environ(), os.Stdout, nil)
	}

	logger := logrus.New()
	if fVerbose {
		logger.SetLevel(logrus.DebugLevel)
	}

	server, basePath, err := ftpfs.ParseTarget(target)
	if err != nil {
		daemonize.SignalOutcome(err)
		return err
	}

	cfg := &ftpfs.Config{
		User:     fUser,
		Pass:     fPass,
		Server:   server,
		BasePath: basePath,
		Verbose:  fVerbose,
	}
	if fVerbose {
		cfg.DebugLogger = log.New(os.Stderr, "ftpfs: ", log.LstdFlags|log.Lmicroseconds)
		cfg.ErrorLogger = log.New(os.Stderr, "ftpfs: ", log.LstdFlags)
	}

	dev := ctldev.NewDevice(ctldev.Config{
		DebugLogger: cfg.DebugLogger,
		ErrorLogger: cfg.ErrorLogger,
	})

	fs, err := ftpfs.New(dev, cfg)
	if err != nil {
		daemonize.SignalOutcome(err)
		return err
	}

	backend := &daemon.FTPBackend{}
	d, err := daemon.New(dev, backend, logger)
	if err != nil {
		daemonize.SignalOutcome(err)
		return err
	}

	mfs, err := ftpfs.Mount(mountPoint, fs, &fuse.MountConfig{
		FSName:  "ftpfs",
		Subtype: "ftpfs",
	})
	if err != nil {
		d.Close()
		err = fmt.Errorf("mounting %s: %w", mountPoint, err)
		daemonize.SignalOutcome(err)
		return err
	}

	daemonize.SignalOutcome(nil)
	logger.WithFields(logrus.Fields{
		"server": server,
		"path":   basePath,
		"dir":    mountPoint,
	}).Info("mounted")

	ctx, stop := signal.NotifyContext(context.Background(),
		os.Interrupt, syscall.SIGTERM)
	defer stop()

	group, ctx := errgroup.WithContext(ctx)

	group.Go(func() error {
		d.Serve(ctx)
		return nil
	})

	group.Go(func() error {
		<-ctx.Done()
		// A clean unmount lets Join below return; if the mount is busy the
		// user gets to retry with umount themselves.
		if err := fuse.Unmount(mountPoint); err != nil {
			logger.WithError(err).Warn("unmount failed")
		}
		return nil
	})

	group.Go(func() error {
		defer stop()
		return mfs.Join(context.Background())
	})

	return group.Wait()
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
