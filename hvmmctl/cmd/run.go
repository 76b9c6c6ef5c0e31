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

	"github.com/google/subcommands"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/log"
)

// Run implements subcommands.Command for the "run" command.
type Run struct{}

// Name implements subcommands.Command.Name.
func (*Run) Name() string {
	return "run"
}

// Synopsis implements subcommands.Command.Synopsis.
func (*Run) Synopsis() string {
	return "boot a domain and run a scenario script against it"
}

// Usage implements subcommands.Command.Usage.
func (*Run) Usage() string {
	return `run <scenario.yaml> - boot a domain, run the script and print the report.
`
}

// SetFlags implements subcommands.Command.SetFlags.
func (*Run) SetFlags(*flag.FlagSet) {}

// Execute implements subcommands.Command.Execute.
func (*Run) Execute(ctx context.Context, f *flag.FlagSet, args ...any) subcommands.ExitStatus {
	if f.NArg() != 1 {
		f.Usage()
		return subcommands.ExitUsageError
	}
	conf := args[0].(*config.Config)

	env, s, err := boot(ctx, conf, f.Arg(0))
	if err != nil {
		Fatalf("booting domain: %v", err)
	}
	defer env.Close(ctx)

	rep, runErr := s.Run(ctx, env.Domain)
	if err := writeYAML(rep); err != nil {
		Fatalf("writing report: %v", err)
	}
	if runErr != nil {
		log.Warningf("%v", runErr)
		return subcommands.ExitFailure
	}
	return subcommands.ExitSuccess
}
