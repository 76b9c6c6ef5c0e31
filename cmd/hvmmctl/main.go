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

// Binary hvmmctl boots a domain on a simulated machine and drives it: it
// runs scenario scripts, live-migrates the domain and reports statistics.
package main

import (
	"gvisor.dev/hvmm/hvmmctl/cli"
)

func main() {
	cli.Main()
}
