// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package bundlemaker

import (
	"fmt"
	"path"
	"path/filepath"

	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/utils/merkletrie"

	"github.com/opalmesh/opal/pkg/bundle"
)

// MakeDiffBundle builds a delta bundle containing only the policy and
// data modules that changed between oldCommit and newCommit (added,
// modified, renamed, or deleted), restricted the same way MakeBundle is
// to tracked directories, ignore globs, and the .rego/.json extension
// filter.
//
// Grounded on make_diff_bundle in
// _examples/original_source/opal_common/git/bundle_maker.py: added/modified
// files populate PolicyModules/DataModules, deleted files populate
// DeletedFiles.
func (m *Maker) MakeDiffBundle(oldCommit, newCommit *object.Commit) (*bundle.Bundle, error) {
	oldTree, err := oldCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("bundlemaker: old commit tree: %w", err)
	}
	newTree, err := newCommit.Tree()
	if err != nil {
		return nil, fmt.Errorf("bundlemaker: new commit tree: %w", err)
	}

	changes, err := oldTree.Diff(newTree)
	if err != nil {
		return nil, fmt.Errorf("bundlemaker: diff trees: %w", err)
	}

	b := &bundle.Bundle{
		Hash:    newCommit.Hash.String(),
		OldHash: oldCommit.Hash.String(),
	}
	var deletedPolicy []string
	var deletedData []string

	for _, change := range changes {
		action, err := change.Action()
		if err != nil {
			return nil, fmt.Errorf("bundlemaker: resolve change action: %w", err)
		}

		fromPath := filepath.ToSlash(change.From.Name)
		toPath := filepath.ToSlash(change.To.Name)

		if err := m.applyChange(b, &deletedPolicy, &deletedData, action, fromPath, toPath, newCommit); err != nil {
			return nil, err
		}
	}

	if len(deletedPolicy) > 0 || len(deletedData) > 0 {
		b.DeletedFiles = &bundle.DeletedFiles{
			PolicyModules: deletedPolicy,
			DataModules:   deletedData,
		}
	}

	if err := b.Validate(); err != nil {
		return nil, fmt.Errorf("bundlemaker: built an invalid delta bundle: %w", err)
	}
	return b, nil
}

func (m *Maker) applyChange(b *bundle.Bundle, deletedPolicy, deletedData *[]string, action merkletrie.Action, fromPath, toPath string, newCommit *object.Commit) error {
	switch action {
	case merkletrie.Delete:
		m.recordDeletion(fromPath, deletedPolicy, deletedData)
	default: // insert or modify
		if toPath == "" || !m.isTracked(toPath) {
			return nil
		}
		file, err := newCommit.File(toPath)
		if err != nil {
			return fmt.Errorf("bundlemaker: read %s from new commit: %w", toPath, err)
		}
		contents, err := file.Contents()
		if err != nil {
			return fmt.Errorf("bundlemaker: read contents of %s: %w", toPath, err)
		}

		switch path.Ext(toPath) {
		case ".json":
			b.DataModules = append(b.DataModules, bundle.DataModule{Path: toPath, Data: contents})
		case ".rego":
			b.PolicyModules = append(b.PolicyModules, bundle.PolicyModule{
				Path:        toPath,
				PackageName: getRegoPackage(contents),
				Rego:        contents,
			})
		default:
			return nil
		}
		b.Manifest = append(b.Manifest, toPath)
	}
	return nil
}

func (m *Maker) recordDeletion(relPath string, deletedPolicy, deletedData *[]string) {
	if relPath == "" || !m.isTracked(relPath) {
		return
	}
	switch path.Ext(relPath) {
	case ".json":
		*deletedData = append(*deletedData, relPath)
	case ".rego":
		*deletedPolicy = append(*deletedPolicy, relPath)
	}
}

func (m *Maker) isTracked(relPath string) bool {
	return m.isUnderTrackedDirectory(relPath) && !m.isIgnored(relPath)
}
