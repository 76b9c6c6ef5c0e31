// Copyright 2024 The gVisor Authors.
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

// Package cli is the main entrypoint for hvmmctl.
package cli

import (
	"context"
	"flag"
	"fmt"
	"io"
	"os"
	"runtime"
	"strings"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/hvmmctl/cmd"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/locking"
	"gvisor.dev/hvmm/pkg/log"
)

var (
	configPath = flag.String("config", "", "path to a TOML configuration file. Defaults apply to everything it leaves out.")
	debug      = flag.Bool("debug", false, "enable debug logging, overriding log.level.")
	logFile    = flag.String("log", "", "file to log to, overriding log.file.")
	logFormat  = flag.String("log-format", "", "log format (text or json), overriding log.format.")
	overrides  cmd.StringFlags
)

// Main is the main entrypoint.
func Main() {
	forEachCmd(subcommands.Register)
	flag.Var(&overrides, "set", "override a configuration value as section.name=value, where value is TOML (strings are quoted). May be repeated.")
	flag.Parse()

	conf, err := loadConfig()
	if err != nil {
		cmd.Fatalf("%v", err)
	}

	var out io.Writer = os.Stderr
	if conf.Log.File != "" {
		f, err := os.OpenFile(conf.Log.File, os.O_WRONLY|os.O_CREATE|os.O_APPEND, 0644)
		if err != nil {
			cmd.Fatalf("error opening log file %q: %v", conf.Log.File, err)
		}
		out = f
	}
	log.SetTarget(newEmitter(conf.Log.Format, out))
	log.SetLevel(conf.Log.Level)
	cmd.ErrorLogger = out

	const delimString = `**************** hvmmctl ****************`
	log.Infof(delimString)
	log.Infof("%s, %s, %d CPUs, %s, PID %d", runtime.Version(), runtime.GOARCH, runtime.NumCPU(), runtime.GOOS, os.Getpid())
	log.Infof("Args: %v", os.Args)
	conf.LogConfig()
	log.Infof(delimString)

	ctx := locking.WithCPU(context.Background(), 0)
	status := subcommands.Execute(ctx, conf)
	if status != subcommands.ExitSuccess {
		log.Warningf("Failure to execute command, status: %v", status)
	}
	os.Exit(int(status))
}

// loadConfig builds the configuration from the file and the flags that
// override it.
func loadConfig() (*config.Config, error) {
	conf := config.Default()
	if *configPath != "" {
		var err error
		if conf, err = config.Load(*configPath); err != nil {
			return nil, err
		}
	}
	for _, o := range overrides {
		key, value, ok := strings.Cut(o, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("-set %q is not section.name=value", o)
		}
		next, err := conf.Override(key, value)
		if err != nil {
			return nil, err
		}
		conf = next
	}
	if *debug {
		conf.Log.Level = log.Debug
	}
	if *logFile != "" {
		conf.Log.File = *logFile
	}
	if *logFormat != "" {
		conf.Log.Format = *logFormat
	}
	return conf, conf.Validate()
}

func newEmitter(format string, logFile io.Writer) log.Emitter {
	switch format {
	case "text":
		return log.GoogleEmitter{Emitter: &log.Writer{Next: logFile}}
	case "json":
		return log.JSONEmitter{Writer: &log.Writer{Next: logFile}}
	}
	cmd.Fatalf("invalid log format %q, must be 'text' or 'json'", format)
	panic("unreachable")
}

// forEachCmd invokes the passed callback for each command supported by
// hvmmctl.
func forEachCmd(cb func(cmd subcommands.Command, group string)) {
	// Help and flags commands are generated automatically.
	cb(subcommands.HelpCommand(), "")
	cb(subcommands.FlagsCommand(), "")
	cb(subcommands.CommandsCommand(), "")

	cb(new(cmd.Run), "")
	cb(new(cmd.Migrate), "")
	cb(new(cmd.Stats), "")
	cb(new(cmd.CheckConfig), "")
}
