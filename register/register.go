// Copyright 2015 CoreOS, Inc.
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

// Package register is the single import site that pulls every
// compiled-in SUT transport and Framework adapter into one pair of
// combined plugin.Registry instances, standing in for the original
// implementation's directory-scanning libkirk.plugin.discover (§9's
// static-registration note). cmd/kirk imports this package solely for
// its init() side effect and then drives --sut/--framework lookups
// against SUTs/Frameworks below.
package register

import (
	"github.com/linux-test-project/kirk/framework"
	"github.com/linux-test-project/kirk/framework/ltp"
	"github.com/linux-test-project/kirk/plugin"
	"github.com/linux-test-project/kirk/sut"
	"github.com/linux-test-project/kirk/sut/host"
	sutltx "github.com/linux-test-project/kirk/sut/ltx"
	"github.com/linux-test-project/kirk/sut/qemu"
	"github.com/linux-test-project/kirk/sut/ssh"
)

// SUTs is the combined registry of every compiled-in SUT transport:
// host, ssh, qemu, ltx.
var SUTs = plugin.NewRegistry[sut.SUT]("sut")

// Frameworks is the combined registry of every compiled-in Framework
// adapter: ltp.
var Frameworks = plugin.NewRegistry[framework.Framework]("framework")

func init() {
	SUTs.Merge(host.Registry, ssh.Registry, qemu.Registry, sutltx.Registry)
	Frameworks.Merge(ltp.Registry)
}
