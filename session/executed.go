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
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"

	"github.com/linux-test-project/kirk/fileio"
)

// readExecuted parses a prior run's executed log (§6) into a
// suite-name -> test-name set, used to drop already-completed tests
// from a restored session.
func readExecuted(ctx context.Context, dir string) (map[string]map[string]bool, error) {
	executed := make(map[string]map[string]bool)
	if dir == "" {
		return executed, nil
	}

	path := filepath.Join(dir, "executed")
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return executed, nil
	}

	f := fileio.New(path, os.O_RDONLY, 0)
	if err := f.Open(); err != nil {
		return nil, errors.Wrapf(err, "session: opening %s", path)
	}
	defer f.Close()

	err := f.Lines(ctx, func(line string) bool {
		suite, test, ok := strings.Cut(line, "::")
		if !ok || suite == "" || test == "" {
			return true
		}
		if executed[suite] == nil {
			executed[suite] = make(map[string]bool)
		}
		executed[suite][test] = true
		return true
	})
	if err != nil {
		return nil, errors.Wrapf(err, "session: reading %s", path)
	}
	return executed, nil
}

// appendExecuted records that suite::test has completed, opening,
// appending and closing per call -- mirroring the original
// implementation's per-write AsyncFile('a+') scope. Errors are logged,
// not propagated: a missed executed-log line only affects a future
// --restore, never the run in progress.
func appendExecuted(ctx context.Context, tmpdir, suite, test string) {
	if tmpdir == "" {
		return
	}

	path := filepath.Join(tmpdir, "executed")
	f := fileio.New(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err := f.Open(); err != nil {
		plog.Warningf("session: opening executed log: %v", err)
		return
	}
	defer f.Close()

	line := suite + "::" + test + "\n"
	if _, err := f.Write(ctx, []byte(line)); err != nil {
		plog.Warningf("session: writing executed log: %v", err)
	}
}
