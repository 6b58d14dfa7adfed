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

// Package data holds the immutable Test/Suite descriptors resolved by a
// Framework and consumed by the schedulers.
package data

import "strings"

// Test is an immutable description of one invocation. Identity is Name;
// two Tests with the same Name are considered the same test for restore
// and executed-log purposes.
type Test struct {
	Name           string
	Command        string
	Arguments      []string
	Cwd            string
	Env            map[string]string
	Parallelizable bool
}

// New builds a Test. Arguments and Env are copied defensively so the
// caller's slice/map cannot mutate the Test after construction.
func New(name, command string, arguments []string, cwd string, env map[string]string, parallelizable bool) Test {
	t := Test{
		Name:           name,
		Command:        command,
		Cwd:            cwd,
		Parallelizable: parallelizable,
	}
	if len(arguments) > 0 {
		t.Arguments = append([]string(nil), arguments...)
	}
	if len(env) > 0 {
		t.Env = make(map[string]string, len(env))
		for k, v := range env {
			t.Env[k] = v
		}
	}
	return t
}

// FullCommand joins Command and Arguments into the literal argv Kirk
// hands to a SUT's run().
func (t Test) FullCommand() string {
	if len(t.Arguments) == 0 {
		return t.Command
	}
	return t.Command + " " + strings.Join(t.Arguments, " ")
}

// Rename returns a copy of t with a new Name, used by iterate/randomize
// suite duplication (§4.7 step 4) to produce "name[i]" variants without
// aliasing the original Test's slices/maps.
func (t Test) Rename(name string) Test {
	t.Name = name
	if t.Arguments != nil {
		t.Arguments = append([]string(nil), t.Arguments...)
	}
	if t.Env != nil {
		env := make(map[string]string, len(t.Env))
		for k, v := range t.Env {
			env[k] = v
		}
		t.Env = env
	}
	return t
}

// Suite is a named ordered list of Tests. Two Suites may share Tests by
// value; Suite itself carries no identity beyond Name.
type Suite struct {
	Name  string
	Tests []Test
}

// New creates a Suite from name and an ordered list of tests.
func NewSuite(name string, tests []Test) Suite {
	return Suite{Name: name, Tests: append([]Test(nil), tests...)}
}

// Rename returns a copy of s with a new Name and with every contained
// Test deep-copied (not renamed), used by Session's iterate step.
func (s Suite) Rename(name string) Suite {
	tests := make([]Test, len(s.Tests))
	copy(tests, s.Tests)
	return Suite{Name: name, Tests: tests}
}
