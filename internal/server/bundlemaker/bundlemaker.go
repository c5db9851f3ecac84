// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package bundlemaker builds pkg/bundle.Bundle values from a directory
// tree (typically a checked-out git worktree at a given commit):
// complete bundles (everything under the tracked directories) and delta
// bundles (only what changed between two known directory states).
//
// Grounded on _examples/original_source/opal_common/git/bundle_maker.py:
// make_bundle/make_diff_bundle split, the is_data_module (.json) /
// is_rego_module (.rego) file-type switch, and the REGO_PACKAGE_DECLARATION
// regex for package-name extraction from repo_utils.py. Manifest-ordered
// traversal (a ".manifest" file listing paths in explicit order) and
// glob-based ignore lists are supplements from spec.md beyond what this
// older BundleMaker implements; doublestar is brought in for that.
package bundlemaker

import (
	"bufio"
	"fmt"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/opalmesh/opal/pkg/bundle"
)

// regoPackageDeclaration matches a rego "package x.y.z" line, mirroring
// opal's REGO_PACKAGE_DECLARATION.
var regoPackageDeclaration = regexp.MustCompile(`^package\s+([a-zA-Z0-9.\"\[\]]+)$`)

const manifestFileName = ".manifest"

// Maker builds bundles from a root filesystem directory, restricted to
// a set of sub-directories and (optionally) a set of ignore globs.
type Maker struct {
	root        string
	directories []string // relative to root; "." means the whole tree
	ignoreGlobs []string
}

// New constructs a Maker rooted at root. directories are relative paths
// under root to include (pass "." for the entire tree); ignoreGlobs are
// doublestar patterns (supporting "**") excluded even if under an
// included directory.
func New(root string, directories []string, ignoreGlobs []string) *Maker {
	if len(directories) == 0 {
		directories = []string{"."}
	}
	return &Maker{root: root, directories: directories, ignoreGlobs: ignoreGlobs}
}

func (m *Maker) isUnderTrackedDirectory(relPath string) bool {
	for _, dir := range m.directories {
		if dir == "." {
			return true
		}
		if relPath == dir || strings.HasPrefix(relPath, dir+"/") {
			return true
		}
	}
	return false
}

func (m *Maker) isIgnored(relPath string) bool {
	for _, pattern := range m.ignoreGlobs {
		negate := strings.HasPrefix(pattern, "!")
		p := strings.TrimPrefix(pattern, "!")
		matched, _ := doublestar.Match(p, relPath)
		if matched && !negate {
			return true
		}
	}
	return false
}

func getRegoPackage(contents string) string {
	for _, line := range strings.Split(contents, "\n") {
		if m := regoPackageDeclaration.FindStringSubmatch(strings.TrimSpace(line)); m != nil {
			return m[1]
		}
	}
	return ""
}

// orderedPaths returns the files to include, in manifest order: if a
// ".manifest" file exists at root, its listed paths come first (each
// exactly once — duplicate entries are an error, per
// pkg/bundle.Bundle.Validate's invariant), followed by any remaining
// matched files in lexical order. Path-escape (".." segments, absolute
// paths) is rejected outright.
func (m *Maker) orderedPaths() ([]string, error) {
	discovered, err := m.discoverFiles()
	if err != nil {
		return nil, err
	}

	manifestOrder, err := m.readManifestFile()
	if err != nil {
		return nil, err
	}

	seen := make(map[string]bool, len(discovered))
	for _, p := range discovered {
		seen[p] = false
	}

	var ordered []string
	for _, p := range manifestOrder {
		if err := rejectPathEscape(p); err != nil {
			return nil, err
		}
		if already, known := seen[p]; known {
			if already {
				return nil, fmt.Errorf("bundlemaker: %q listed more than once in %s", p, manifestFileName)
			}
			seen[p] = true
			ordered = append(ordered, p)
		}
		// Entries in .manifest that don't correspond to a discovered
		// file (e.g. filtered out by directory/ignore rules) are
		// silently skipped, matching a manifest that over-lists.
	}

	var remainder []string
	for p, used := range seen {
		if !used {
			remainder = append(remainder, p)
		}
	}
	sort.Strings(remainder)
	ordered = append(ordered, remainder...)
	return ordered, nil
}

func rejectPathEscape(relPath string) error {
	if filepath.IsAbs(relPath) {
		return fmt.Errorf("bundlemaker: absolute path not allowed: %s", relPath)
	}
	cleaned := path.Clean(relPath)
	if cleaned == ".." || strings.HasPrefix(cleaned, "../") {
		return fmt.Errorf("bundlemaker: path escapes root: %s", relPath)
	}
	return nil
}

func (m *Maker) discoverFiles() ([]string, error) {
	var files []string
	err := filepath.WalkDir(m.root, func(fullPath string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if strings.HasPrefix(d.Name(), ".git") && fullPath != m.root {
				return filepath.SkipDir
			}
			return nil
		}

		rel, err := filepath.Rel(m.root, fullPath)
		if err != nil {
			return err
		}
		rel = filepath.ToSlash(rel)

		if rel == manifestFileName {
			return nil
		}
		ext := path.Ext(rel)
		if ext != ".rego" && ext != ".json" {
			return nil
		}
		if !m.isUnderTrackedDirectory(rel) || m.isIgnored(rel) {
			return nil
		}
		files = append(files, rel)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("bundlemaker: walk %s: %w", m.root, err)
	}
	return files, nil
}

func (m *Maker) readManifestFile() ([]string, error) {
	f, err := os.Open(filepath.Join(m.root, manifestFileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("bundlemaker: read %s: %w", manifestFileName, err)
	}
	defer f.Close()

	var paths []string
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		paths = append(paths, filepath.ToSlash(line))
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("bundlemaker: scan %s: %w", manifestFileName, err)
	}
	return paths, nil
}

func (m *Maker) loadModule(relPath string) (bundle.PolicyModule, bundle.DataModule, bool, error) {
	contents, err := os.ReadFile(filepath.Join(m.root, relPath))
	if err != nil {
		return bundle.PolicyModule{}, bundle.DataModule{}, false, fmt.Errorf("bundlemaker: read %s: %w", relPath, err)
	}

	switch path.Ext(relPath) {
	case ".json":
		return bundle.PolicyModule{}, bundle.DataModule{
			Path: relPath,
			Data: string(contents),
		}, false, nil
	case ".rego":
		return bundle.PolicyModule{
			Path:        relPath,
			PackageName: getRegoPackage(string(contents)),
			Rego:        string(contents),
		}, bundle.DataModule{}, true, nil
	default:
		return bundle.PolicyModule{}, bundle.DataModule{}, false, fmt.Errorf("bundlemaker: unsupported file type: %s", relPath)
	}
}

// MakeBundle builds a complete bundle of every tracked file under root,
// stamped with hash as its revision identifier (typically a git commit
// hash or bundle-source content hash).
func (m *Maker) MakeBundle(hash string) (*bundle.Bundle, error) {
	paths, err := m.orderedPaths()
	if err != nil {
		return nil, err
	}

	b := &bundle.Bundle{Hash: hash}
	for _, p := range paths {
		policyMod, dataMod, isPolicy, err := m.loadModule(p)
		if err != nil {
			return nil, err
		}
		if isPolicy {
			b.PolicyModules = append(b.PolicyModules, policyMod)
		} else {
			b.DataModules = append(b.DataModules, dataMod)
		}
		b.Manifest = append(b.Manifest, p)
	}

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("bundlemaker: built an invalid bundle: %w", err)
	}
	return b, nil
}
