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
	"fmt"

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/scenario"
)

// CheckConfig implements subcommands.Command for the "check-config" command.
type CheckConfig struct {
	scenario string
}

// Name implements subcommands.Command.Name.
func (*CheckConfig) Name() string {
	return "check-config"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*CheckConfig) Synopsis() string {
	return "validate the configuration and print it"
}

// Usage implements subcommands.Command.Usage.
func (*CheckConfig) Usage() string {
	return `check-config [-scenario <file>] - print the effective configuration as TOML.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (c *CheckConfig) SetFlags(f *flag.FlagSet) {
	f.StringVar(&c.scenario, "scenario", "", "also apply the configuration overrides of this scenario script.")
}

// Execute implements subcommands.Command.Execute.
func (c *CheckConfig) Execute(_ context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 0 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)
	if c.scenario != "" {
		s, err := scenario.Load(c.scenario)
		if err != nil {
			Fatalf("%v", err)
		}
		if conf, err = s.Apply(conf); err != nil {
			Fatalf("%s: %v", c.scenario, err)
		}
	}
	fmt.Print(conf.String())
	return subcommands.ExitSuccess
}
