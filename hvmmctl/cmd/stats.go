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

package cmd

import (
	"context"
	"flag"
	"os"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/metric"
)

// Stats implements subcommands.Command for the "stats" command.
type Stats struct {
	scenario string
	format   string
	prefix   string
}

// Name implements subcommands.Command.Name.
func (*Stats) Name() string {
	return "stats"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Stats) Synopsis() string {
	return "boot a domain and print its accounting or the paging metrics"
}

// Usage implements subcommands.Command.Usage.
func (*Stats) Usage() string {
	return `stats [-scenario <file>] [-format yaml|prometheus] - print domain statistics, after running the scenario if one is given.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (s *Stats) SetFlags(f *flag.FlagSet) {
	f.StringVar(&s.scenario, "scenario", "", "scenario script to run before reporting.")
	f.StringVar(&s.format, "format", "yaml", "output format: yaml for the domain accounting, prometheus for the metrics.")
	f.StringVar(&s.prefix, "exporter-prefix", "hvmm_", "prefix for all metric names, following Prometheus exporter convention.")
}

// Execute implements subcommands.Command.Execute.
func (s *Stats) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	if s.format != "yaml" && s.format != "prometheus" {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, script, err := boot(ctx, conf, s.scenario)
	if err != nil {
		Fatalf("booting domain: %v", err)
	}
	defer env.Close(ctx)
	if script != nil {
		if _, err := script.Run(ctx, env.Domain); err != nil {
			Fatalf("%v", err)
		}
	}

	if s.format == "prometheus" {
		if err := metric.WritePrometheus(os.Stdout, s.prefix); err != nil {
			Fatalf("writing metrics: %v", err)
		}
		return subcommands.ExitSuccess
	}
	if err := writeYAML(env.Domain.Stats(ctx)); err != nil {
		Fatalf("writing stats: %v", err)
	}
	return subcommands.ExitSuccess
}
