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

package session

import (
	"fmt"
	"math/rand"
	"regexp"

	"github.com/linux-test-project/kirk/data"
)

// dropExecuted returns a copy of suite with every test named in
// executed removed.
func dropExecuted(suite data.Suite, executed map[string]bool) data.Suite {
	if len(executed) == 0 {
		return suite
	}

	kept := make([]data.Test, 0, len(suite.Tests))
	for _, t := range suite.Tests {
		if executed[t.Name] {
			continue
		}
		kept = append(kept, t)
	}
	suite.Tests = kept
	return suite
}

// filterTests mutates suites in place, keeping a test when
// matcher.MatchString(test.Name) != whenMatching -- i.e. pattern
// (whenMatching=false) keeps matches, skip (whenMatching=true) drops
// them. An empty pattern is a no-op.
func filterTests(suites []data.Suite, pattern string, whenMatching bool) error {
	if pattern == "" {
		return nil
	}

	matcher, err := regexp.Compile(pattern)
	if err != nil {
		return err
	}

	for i, suite := range suites {
		kept := suite.Tests[:0:0]
		for _, t := range suite.Tests {
			match := matcher.MatchString(t.Name)
			if match != whenMatching {
				kept = append(kept, t)
			}
		}
		suites[i].Tests = kept
	}
	return nil
}

// mergeEnvInto overlays global onto every test's Env, global winning on
// key conflicts -- the same precedence the original implementation's
// LTPFramework.setup gives a passed-in env over its own defaults.
func mergeEnvInto(suites []data.Suite, global map[string]string) []data.Suite {
	out := make([]data.Suite, len(suites))
	for i, suite := range suites {
		tests := make([]data.Test, len(suite.Tests))
		for j, t := range suite.Tests {
			t.Env = mergeEnv(global, t.Env)
			tests[j] = t
		}
		suite.Tests = tests
		out[i] = suite
	}
	return out
}

// mergeEnv returns a new map holding base overlaid with global (global
// wins on key conflicts).
func mergeEnv(global, base map[string]string) map[string]string {
	if len(global) == 0 {
		return base
	}
	merged := make(map[string]string, len(base)+len(global))
	for k, v := range base {
		merged[k] = v
	}
	for k, v := range global {
		merged[k] = v
	}
	return merged
}

// applyIterate deep-duplicates each suite iterate times, renaming
// "name[i]" (§4.7 step 4).
func applyIterate(suites []data.Suite, iterate int) []data.Suite {
	if iterate <= 1 {
		return suites
	}

	out := make([]data.Suite, 0, len(suites)*iterate)
	for _, suite := range suites {
		for i := 0; i < iterate; i++ {
			out = append(out, suite.Rename(fmt.Sprintf("%s[%d]", suite.Name, i)))
		}
	}
	return out
}

// shuffleTests randomizes tests in place.
func shuffleTests(tests []data.Test) {
	rand.Shuffle(len(tests), func(i, j int) { tests[i], tests[j] = tests[j], tests[i] })
}
