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

// Package cmd holds implementations of the hvmmctl commands.
package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"gopkg.in/yaml.v2"
	"gvisor.dev/hvmm/pkg/config"
	"gvisor.dev/hvmm/pkg/log"
	"gvisor.dev/hvmm/pkg/scenario"
)

// ErrorLogger is where error messages go besides stderr.
var ErrorLogger io.Writer

// Fatalf logs to stderr and the error log, then exits.
func Fatalf(format string, args ...any) {
	msg := fmt.Sprintf(format, args...)
	log.Warningf("FATAL ERROR: %s", msg)
	fmt.Fprintf(os.Stderr, "%s\n", msg)
	if ErrorLogger != nil && ErrorLogger != os.Stderr {
		fmt.Fprintf(ErrorLogger, "%s\n", msg)
	}
	os.Exit(128)
}

// StringFlags can be used with string flags that appear multiple times.
type StringFlags []string

// String implements flag.Value.
func (s *StringFlags) String() string {
	return strings.Join(*s, ",")
}

// Get implements flag.Getter.
func (s *StringFlags) Get() any {
	return s
}

// Set implements flag.Value.
func (s *StringFlags) Set(v string) error {
	*s = append(*s, v)
	return nil
}

// boot loads the scenario at path, if any, applies its configuration to
// conf, and boots the domain.
func boot(ctx context.Context, conf *config.Config, path string) (*scenario.Env, *scenario.Script, error) {
	var s *scenario.Script
	if path != "" {
		var err error
		if s, err = scenario.Load(path); err != nil {
			return nil, nil, err
		}
		if conf, err = s.Apply(conf); err != nil {
			return nil, nil, fmt.Errorf("%s: %w", path, err)
		}
	}
	env, err := scenario.Boot(ctx, conf)
	if err != nil {
		return nil, nil, err
	}
	return env, s, nil
}

// writeYAML prints v to stdout.
func writeYAML(v any) error {
	out, err := yaml.Marshal(v)
	if err != nil {
		return err
	}
	_, err = os.Stdout.Write(out)
	return err
}
