// Copyright 2024 AgentFS Authors
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

// Command agentfs-fuse mounts an in-process AgentFS core through FUSE.
package main

import (
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	log "github.com/sirupsen/logrus"
	flag "github.com/spf13/pflag"

	"agentfs/internal/config"
	"agentfs/internal/daemon"
	"agentfs/internal/fusehost"
	"agentfs/internal/vfs"
)

// Set by goreleaser ldflags
var version = "dev"

type options struct {
	configPath     string
	allowOther     bool
	allowRoot      bool
	autoUnmount    bool
	writebackCache bool
	logLevel       string
	debug          bool
	showVersion    bool
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string) error {
	env, err := daemon.LoadEnv()
	if err != nil {
		return err
	}

	var opts options
	flags := flag.NewFlagSet("agentfs-fuse", flag.ContinueOnError)
	flags.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: agentfs-fuse <mount_point> [flags]\n\n")
		flags.PrintDefaults()
	}
	flags.StringVarP(&opts.configPath, "config", "c", env.FsConfig, "FsConfig JSON file (defaults when empty)")
	flags.BoolVar(&opts.allowOther, "allow-other", false, "allow other users to access the mount")
	flags.BoolVar(&opts.allowRoot, "allow-root", false, "allow root to access the mount")
	flags.BoolVar(&opts.autoUnmount, "auto-unmount", false, "unmount automatically when the process exits")
	flags.BoolVar(&opts.writebackCache, "writeback-cache", env.FuseWritebackCache, "keep the kernel page cache across opens")
	flags.StringVar(&opts.logLevel, "log-level", env.LogLevel, "log level written to stderr (trace, debug, info, warn, error)")
	flags.BoolVar(&opts.debug, "debug", false, "log every FUSE request")
	flags.BoolVar(&opts.showVersion, "version", false, "print version and exit")
	if err := flags.Parse(args); err != nil {
		if err == flag.ErrHelp {
			return nil
		}
		return err
	}
	if opts.showVersion {
		fmt.Printf("agentfs-fuse version %s\n", version)
		return nil
	}
	if flags.NArg() != 1 {
		flags.Usage()
		return fmt.Errorf("expected exactly one mount point")
	}
	if opts.allowOther && opts.allowRoot {
		return fmt.Errorf("--allow-other and --allow-root are mutually exclusive")
	}

	setupLogging(opts.logLevel)

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return err
	}
	if opts.writebackCache {
		cfg.Cache.WritebackCache = true
	}
	core, err := vfs.New(cfg)
	if err != nil {
		return fmt.Errorf("failed to create filesystem: %w", err)
	}
	defer core.Shutdown()

	server, err := fusehost.Mount(core, fusehost.Options{
		Mountpoint:  flags.Arg(0),
		AllowOther:  opts.allowOther,
		AllowRoot:   opts.allowRoot,
		AutoUnmount: opts.autoUnmount,
		DefaultPID:  vfs.PID(os.Getpid()),
		Debug:       opts.debug,
	})
	if err != nil {
		return err
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Infof("[FUSE] received %v, unmounting", sig)
		if err := server.Unmount(); err != nil {
			log.Errorf("[FUSE] unmount: %v", err)
		}
	}()

	server.Wait()
	log.Infof("[FUSE] unmounted %s", flags.Arg(0))
	return nil
}

func setupLogging(level string) {
	if level == "" || level == "off" || level == "none" {
		log.SetOutput(io.Discard)
		return
	}
	parsed, err := log.ParseLevel(level)
	if err != nil {
		parsed = log.InfoLevel
	}
	log.SetOutput(os.Stderr)
	log.SetLevel(parsed)
}
