// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package store

import (
	"context"
	"encoding/json"
	"fmt"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/opalmesh/opal/pkg/bundle"
)

// applyMu serializes ApplyBundle calls so the writes and deletes of one
// bundle never interleave with those of another.
var applyMu sync.Mutex

// policyOp is one pending policy write/delete, retried at the end of a
// pass if it failed — mirroring
// OpaClient._attempt_operations_with_postponed_failure_retry in
// opa_client.py: operations can fail because of ordering (e.g. a rego
// module importing another one not yet loaded), so failures from one
// pass are retried once everything else in that pass has been
// attempted, until a full pass fails outright or nothing is left
// pending.
type policyOp struct {
	describe string
	run      func(ctx context.Context) error
}

func attemptWithPostponedRetry(ctx context.Context, ops []policyOp) error {
	for len(ops) > 0 {
		var failed []policyOp
		var failures []string
		for _, op := range ops {
			if err := op.run(ctx); err != nil {
				failed = append(failed, op)
				failures = append(failures, fmt.Sprintf("%s: %v", op.describe, err))
			}
		}
		if len(failed) == 0 {
			return nil
		}
		if len(failed) == len(ops) {
			return fmt.Errorf("store: giving up applying policy modules after a full pass failed: %s", strings.Join(failures, "; "))
		}
		ops = failed
	}
	return nil
}

// sortedDataModules orders data modules so a parent path is written
// before any child path nested under it, mirroring
// BundleUtils.sorted_data_modules_to_load's intent of not overwriting
// a just-written child document when a shallower document is set
// afterwards.
func sortedDataModules(modules []bundle.DataModule) []bundle.DataModule {
	out := append([]bundle.DataModule(nil), modules...)
	sort.SliceStable(out, func(i, j int) bool {
		di := strings.Count(out[i].Path, "/")
		dj := strings.Count(out[j].Path, "/")
		if di != dj {
			return di < dj
		}
		return out[i].Path < out[j].Path
	})
	return out
}

func sortedStrings(paths []string) []string {
	out := append([]string(nil), paths...)
	sort.Strings(out)
	return out
}

// ApplyBundle writes a complete or delta policy bundle into s, mirroring
// OpaClient.set_policies's split between
// _set_policies_from_complete_bundle and _set_policies_from_delta_bundle.
//
// For a complete bundle, any policy currently in the store but absent
// from the bundle's manifest is deleted (the bundle is authoritative
// for the whole tree). For a delta bundle, only the bundle's own
// DeletedFiles entries are removed.
func ApplyBundle(ctx context.Context, s Store, b *bundle.Bundle) error {
	if err := b.Validate(); err != nil {
		return fmt.Errorf("store: refusing to apply an invalid bundle: %w", err)
	}

	applyMu.Lock()
	defer applyMu.Unlock()

	for _, mod := range sortedDataModules(b.DataModules) {
		if err := setDataModule(ctx, s, mod); err != nil {
			return err
		}
	}

	if b.DeletedFiles != nil {
		for _, p := range sortedStrings(b.DeletedFiles.DataModules) {
			if err := s.DeleteData(ctx, path.Dir(p)); err != nil {
				return fmt.Errorf("store: delete_data %s: %w", p, err)
			}
		}
	}

	var ops []policyOp
	for _, mod := range b.PolicyModules {
		mod := mod
		ops = append(ops, policyOp{
			describe: fmt.Sprintf("set_policy %s", mod.Path),
			run: func(ctx context.Context) error {
				return s.SetPolicy(ctx, mod.Path, mod.Rego)
			},
		})
	}

	if b.IsDelta() {
		if b.DeletedFiles != nil {
			for _, p := range b.DeletedFiles.PolicyModules {
				p := p
				ops = append(ops, policyOp{
					describe: fmt.Sprintf("delete_policy %s", p),
					run: func(ctx context.Context) error {
						return s.DeletePolicy(ctx, p)
					},
				})
			}
		}
	} else {
		stale, err := stalePolicyIDs(ctx, s, b)
		if err != nil {
			return err
		}
		for _, id := range stale {
			id := id
			ops = append(ops, policyOp{
				describe: fmt.Sprintf("delete_policy %s", id),
				run: func(ctx context.Context) error {
					return s.DeletePolicy(ctx, id)
				},
			})
		}
	}

	return attemptWithPostponedRetry(ctx, ops)
}

func stalePolicyIDs(ctx context.Context, s Store, b *bundle.Bundle) ([]string, error) {
	inStore, err := s.ListPolicyIDs(ctx)
	if err != nil {
		return nil, fmt.Errorf("store: list_policy_ids: %w", err)
	}
	inBundle := b.PolicyPaths()

	var stale []string
	for _, id := range inStore {
		if _, ok := inBundle[id]; !ok {
			stale = append(stale, id)
		}
	}
	return stale, nil
}

func setDataModule(ctx context.Context, s Store, mod bundle.DataModule) error {
	var data any
	if err := json.Unmarshal([]byte(mod.Data), &data); err != nil {
		return fmt.Errorf("store: decode data module %s: %w", mod.Path, err)
	}
	if err := s.SetData(ctx, path.Dir(mod.Path), data); err != nil {
		return fmt.Errorf("store: set_data %s: %w", mod.Path, err)
	}
	return nil
}
