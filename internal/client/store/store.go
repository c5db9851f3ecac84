// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package store implements the client-side Policy Store (component L):
// the interface through which the Policy Updater and Data Updater apply
// bundle contents to a policy engine, and the Transaction record each
// write produces. The Transaction Log (component M) that consumes those
// records lives in internal/client/txlog.
//
// Grounded on
// _examples/original_source/packages/opal-client/opal_client/policy_store/opa_client.py
// (OpaClient / BasePolicyStoreClient): the method set below mirrors its
// set_policy/delete_policy/get_policy/set_policy_data/patch_policy_data
// /get_data surface, generalized from an async REST client over aiohttp
// to a synchronous interface over net/http. It has no transaction
// method; callers build Transaction values themselves.
package store

import (
	"context"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// TransactionType distinguishes a policy write from a data write for
// the purposes of transaction-log bookkeeping.
type TransactionType string

const (
	TransactionPolicy TransactionType = "policy"
	TransactionData   TransactionType = "data"
)

// Transaction records the outcome of one Store write, fed to the
// TransactionLog for statistics and health-check rendering.
type Transaction struct {
	ID       string           `json:"id"`
	Type     TransactionType  `json:"transaction_type"`
	Actions  []string         `json:"actions,omitempty"`
	Success  bool             `json:"success"`
	Error    string           `json:"error,omitempty"`
}

// PatchOp is one RFC 6902 JSON Patch operation.
type PatchOp struct {
	Op    string `json:"op"`
	Path  string `json:"path"`
	Value any    `json:"value,omitempty"`
}

// Store is the interface the Policy Updater and Data Updater write
// through. Implementations must serialize writes internally: a single
// logical Store is shared by both updaters.
type Store interface {
	SetPolicy(ctx context.Context, policyID, regoCode string) error
	GetPolicy(ctx context.Context, policyID string) (string, bool, error)
	DeletePolicy(ctx context.Context, policyID string) error
	ListPolicyIDs(ctx context.Context) ([]string, error)

	SetData(ctx context.Context, path string, data any) error
	PatchData(ctx context.Context, path string, ops []PatchOp) error
	DeleteData(ctx context.Context, path string) error
	GetData(ctx context.Context, path string) (any, error)

	// Evaluate runs a query against a virtual document (e.g. for
	// healthcheck readback or ad-hoc admin queries), returning the
	// raw decoded result.
	Evaluate(ctx context.Context, path string, input any) (any, error)
}

// shouldIgnorePath mirrors should_ignore_path in opa_client.py: entries
// prefixed with "!" are exclusions from the ignore list rather than
// ignore patterns themselves.
//
// Glob matching uses doublestar (already brought in for bundlemaker's
// ignore globs); the negation logic here is a handful of lines with no
// further library need.
func shouldIgnorePath(path string, ignorePaths []string) bool {
	var ignore, keep []string
	for _, p := range ignorePaths {
		if strings.HasPrefix(p, "!") {
			keep = append(keep, strings.TrimPrefix(p, "!"))
		} else {
			ignore = append(ignore, p)
		}
	}
	for _, p := range keep {
		if matched, _ := doublestar.Match(p, strings.TrimPrefix(path, "/")); matched {
			return false
		}
	}
	for _, p := range ignore {
		if matched, _ := doublestar.Match(p, strings.TrimPrefix(path, "/")); matched {
			return true
		}
	}
	return false
}
