// Package path implements the path-walking state machine (component E)
// that every filesystem entry point funnels through: split the path on
// "/", walk each directory component from either the root or the
// caller-supplied working-directory sector, and land in exactly one of
// four terminal states.
package path

import (
	"fmt"
	"strings"

	"github.com/pintfs/pintfs/directory"
	"github.com/pintfs/pintfs/ferr"
	"github.com/pintfs/pintfs/inode"
)

// Outcome is the terminal state a path walk lands in.
type Outcome int

const (
	// ResolvedFile: every component resolved, and the last names a file.
	ResolvedFile Outcome = iota
	// ResolvedDir: every component resolved, and the last names a directory
	// (including a path with no components, which resolves to the
	// starting directory: the root for "/", the cwd sector for "").
	ResolvedDir
	// ParentMissingBase: every component up to the last resolved to a
	// directory, but the last component does not exist in it. This is the
	// only state from which a create can proceed.
	ParentMissingBase
)

// Result reports where a path walk landed. Inode is set for ResolvedFile
// and ResolvedDir. Parent is set whenever the path named more than just
// the root — including the resolved cases — so a caller removing an
// entry does not need a second walk to reach its parent directory. Base
// is the last path component, set whenever Parent is. Callers must Close
// whichever of Inode and Parent they received.
type Result struct {
	Outcome Outcome
	Inode   *inode.Inode
	Parent  *directory.Dir
	Base    string
}

// Resolve walks path starting from rootSector if path is absolute (begins
// with "/"), or from cwdSector otherwise — the task's working-directory
// sector, which the caller (a scheduler/task abstraction pintfs does not
// itself implement) is responsible for supplying per call.
func Resolve(store *inode.Store, rootSector, cwdSector uint32, path string) (*Result, error) {
	components := splitPath(path)

	startSector := cwdSector
	if strings.HasPrefix(path, "/") {
		startSector = rootSector
	}

	startIno, found, err := store.Open(startSector)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, ferr.New(ferr.NotFound, "resolve", path, fmt.Errorf("starting directory missing"))
	}
	currentDir, err := directory.Open(startIno)
	if err != nil {
		_ = startIno.Close()
		return nil, err
	}

	if len(components) == 0 {
		return &Result{Outcome: ResolvedDir, Inode: currentDir.Inode(), Parent: nil}, nil
	}

	for i, name := range components {
		last := i == len(components)-1

		childSector, found, err := currentDir.Lookup(name)
		if err != nil {
			_ = currentDir.Close()
			return nil, err
		}
		if !found {
			if last {
				return &Result{Outcome: ParentMissingBase, Parent: currentDir, Base: name}, nil
			}
			_ = currentDir.Close()
			return nil, ferr.New(ferr.NotFound, "resolve", path, nil)
		}

		childIno, found, err := store.Open(childSector)
		if err != nil {
			_ = currentDir.Close()
			return nil, err
		}
		if !found {
			_ = currentDir.Close()
			return nil, ferr.New(ferr.NotFound, "resolve", path, fmt.Errorf("dangling entry %q", name))
		}

		if last {
			if childIno.IsDir() {
				return &Result{Outcome: ResolvedDir, Inode: childIno, Parent: currentDir, Base: name}, nil
			}
			return &Result{Outcome: ResolvedFile, Inode: childIno, Parent: currentDir, Base: name}, nil
		}

		if !childIno.IsDir() {
			_ = childIno.Close()
			_ = currentDir.Close()
			return nil, ferr.New(ferr.NotDir, "resolve", path, nil)
		}

		nextDir, err := directory.Open(childIno)
		if err != nil {
			_ = childIno.Close()
			_ = currentDir.Close()
			return nil, err
		}
		_ = currentDir.Close()
		currentDir = nextDir
	}

	// Unreachable: the loop always returns on its last iteration.
	return nil, fmt.Errorf("resolve: fell through path walk for %q", path)
}

func splitPath(path string) []string {
	var out []string
	for _, part := range strings.Split(path, "/") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}
