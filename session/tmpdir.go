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
	"os"
	"os/user"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
)

// DefaultRetain is the number of most-recent run directories kept
// under <root>/kirk.<user>/ before older ones are pruned (§6).
const DefaultRetain = 5

// NewTmpDir creates a fresh run directory following §6's layout --
// <root>/kirk.<user>/<rand>/ -- atomically repoints a sibling "latest"
// symlink at it, and prunes all but the retain most recent run
// directories. An empty root defaults to os.TempDir(); retain <= 0
// defaults to DefaultRetain.
func NewTmpDir(root string, retain int) (string, error) {
	if root == "" {
		root = os.TempDir()
	}
	if retain <= 0 {
		retain = DefaultRetain
	}

	username := "unknown"
	if u, err := user.Current(); err == nil && u.Username != "" {
		username = u.Username
	}

	base := filepath.Join(root, "kirk."+username)
	if err := os.MkdirAll(base, 0o755); err != nil {
		return "", errors.Wrapf(err, "session: creating %s", base)
	}

	runDir := filepath.Join(base, uuid.NewString())
	if err := os.MkdirAll(runDir, 0o755); err != nil {
		return "", errors.Wrapf(err, "session: creating %s", runDir)
	}

	if err := relinkLatest(base, runDir); err != nil {
		return "", err
	}
	if err := pruneOld(base, runDir, retain); err != nil {
		plog.Warningf("session: pruning old run directories: %v", err)
	}

	return runDir, nil
}

// relinkLatest atomically repoints base/latest at runDir via the
// teacher's temp-link-then-rename idiom (kola/harness.go
// SetupOutputDir), so a reader never observes a missing or
// half-written symlink.
func relinkLatest(base, runDir string) error {
	link := filepath.Join(base, "latest")
	tmp := link + ".tmp"

	os.Remove(tmp)
	if err := os.Symlink(filepath.Base(runDir), tmp); err != nil {
		return errors.Wrap(err, "session: creating latest symlink")
	}
	if err := os.Rename(tmp, link); err != nil {
		os.Remove(tmp)
		return errors.Wrap(err, "session: renaming latest symlink")
	}
	return nil
}

// pruneOld removes every directory under base except current and the
// retain-1 most recently modified others. uuid.NewString names aren't
// lexically time-ordered, so directories are sorted by mtime.
func pruneOld(base, current string, retain int) error {
	entries, err := os.ReadDir(base)
	if err != nil {
		return err
	}

	type dirInfo struct {
		path    string
		modTime time.Time
	}
	var dirs []dirInfo
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirInfo{path: filepath.Join(base, e.Name()), modTime: info.ModTime()})
	}

	sort.Slice(dirs, func(i, j int) bool { return dirs[i].modTime.After(dirs[j].modTime) })

	if len(dirs) <= retain {
		return nil
	}
	for _, d := range dirs[retain:] {
		if d.path == current {
			continue
		}
		if err := os.RemoveAll(d.path); err != nil {
			plog.Warningf("session: removing old run directory %s: %v", d.path, err)
		}
	}
	return nil
}
