// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package source

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/go-git/go-git/v5"
	"github.com/go-git/go-git/v5/plumbing"
	"github.com/go-git/go-git/v5/plumbing/object"
	"github.com/go-git/go-git/v5/plumbing/transport"
	gitssh "github.com/go-git/go-git/v5/plumbing/transport/ssh"
	"golang.org/x/crypto/ssh"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// GitConfig describes one git-backed Policy Source.
type GitConfig struct {
	RepoURL        string
	ClonePath      string
	BranchName     string // defaults to "master"
	RemoteName     string // defaults to "origin"
	SSHPrivateKey  []byte // optional; enables git+ssh auth
	PollInterval   time.Duration
}

// GitSource tracks a branch of a remote git repository, exposing the
// HEAD commit hash as Revision.
type GitSource struct {
	cfg  GitConfig
	auth transport.AuthMethod

	checkMu sync.Mutex // serializes CheckForChanges

	mu       sync.Mutex
	repo     *git.Repository
	current  Revision
	onChange []ChangeCallback
	onFail   []FailureCallback

	logger zerolog.Logger
}

// NewGitSource constructs a GitSource. Clone/open happens in Run.
func NewGitSource(cfg GitConfig) (*GitSource, error) {
	if cfg.BranchName == "" {
		cfg.BranchName = "master"
	}
	if cfg.RemoteName == "" {
		cfg.RemoteName = "origin"
	}

	var auth transport.AuthMethod
	if len(cfg.SSHPrivateKey) > 0 {
		signer, err := ssh.ParsePrivateKey(cfg.SSHPrivateKey)
		if err != nil {
			return nil, fmt.Errorf("source: parse ssh private key: %w", err)
		}
		auth = &gitssh.PublicKeys{User: "git", Signer: signer}
	}

	return &GitSource{
		cfg:    cfg,
		auth:   auth,
		logger: log.With().Str("component", "git-source").Str("repo", cfg.RepoURL).Logger(),
	}, nil
}

func (g *GitSource) OnChange(cb ChangeCallback)   { g.mu.Lock(); g.onChange = append(g.onChange, cb); g.mu.Unlock() }
func (g *GitSource) OnFailure(cb FailureCallback) { g.mu.Lock(); g.onFail = append(g.onFail, cb); g.mu.Unlock() }

func (g *GitSource) CurrentRevision() Revision {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.current
}

// WorkingDir returns the checked-out worktree path, which the Bundle
// Maker reads complete-bundle contents from after every successful
// pull (the worktree always reflects CurrentRevision).
func (g *GitSource) WorkingDir() string {
	return g.cfg.ClonePath
}

// CommitObject resolves a revision string to its parsed commit, so the
// Bundle Maker can compute a delta between two revisions via
// Maker.MakeDiffBundle.
func (g *GitSource) CommitObject(rev Revision) (*object.Commit, error) {
	g.mu.Lock()
	repo := g.repo
	g.mu.Unlock()
	if repo == nil {
		return nil, errors.New("source: repository not yet cloned")
	}
	return repo.CommitObject(plumbing.NewHash(rev))
}

func (g *GitSource) Run(ctx context.Context) error {
	if err := g.cloneOrOpen(ctx); err != nil {
		g.notifyFailure(err)
		return err
	}

	go pollLoop(ctx, g.cfg.PollInterval, func(ctx context.Context) {
		if err := g.CheckForChanges(ctx); err != nil {
			g.logger.Warn().Err(err).Msg("source: poll check failed")
		}
	})
	return nil
}

func (g *GitSource) cloneOrOpen(ctx context.Context) error {
	if _, err := os.Stat(g.cfg.ClonePath); err == nil {
		repo, err := git.PlainOpen(g.cfg.ClonePath)
		if err != nil {
			return fmt.Errorf("source: open existing clone: %w", err)
		}
		g.mu.Lock()
		g.repo = repo
		g.mu.Unlock()
		return g.CheckForChanges(ctx)
	}

	var repo *git.Repository
	op := func() error {
		var err error
		repo, err = git.PlainCloneContext(ctx, g.cfg.ClonePath, false, &git.CloneOptions{
			URL:           g.cfg.RepoURL,
			Auth:          g.auth,
			ReferenceName: plumbing.NewBranchReferenceName(g.cfg.BranchName),
			SingleBranch:  true,
		})
		return err
	}
	bo := backoff.WithContext(backoff.NewExponentialBackOff(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return fmt.Errorf("source: clone %s: %w", g.cfg.RepoURL, err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("source: read cloned HEAD: %w", err)
	}

	newRev := head.Hash().String()
	g.mu.Lock()
	g.repo = repo
	g.current = newRev
	callbacks := append([]ChangeCallback(nil), g.onChange...)
	g.mu.Unlock()

	for _, cb := range callbacks {
		cb(ctx, "", newRev)
	}
	return nil
}

// CheckForChanges pulls the tracked branch and, if HEAD moved, fires
// registered OnChange callbacks with the (old, new) hash pair.
func (g *GitSource) CheckForChanges(ctx context.Context) error {
	g.checkMu.Lock()
	defer g.checkMu.Unlock()

	g.mu.Lock()
	repo := g.repo
	oldRev := g.current
	g.mu.Unlock()

	if repo == nil {
		return errors.New("source: repository not yet cloned")
	}

	wt, err := repo.Worktree()
	if err != nil {
		return fmt.Errorf("source: worktree: %w", err)
	}

	err = wt.PullContext(ctx, &git.PullOptions{
		RemoteName:    g.cfg.RemoteName,
		ReferenceName: plumbing.NewBranchReferenceName(g.cfg.BranchName),
		Auth:          g.auth,
		SingleBranch:  true,
	})
	if err != nil && !errors.Is(err, git.NoErrAlreadyUpToDate) {
		g.notifyFailure(err)
		return fmt.Errorf("source: pull: %w", err)
	}

	head, err := repo.Head()
	if err != nil {
		return fmt.Errorf("source: read HEAD after pull: %w", err)
	}
	newRev := head.Hash().String()

	if newRev == oldRev {
		g.logger.Debug().Str("head", newRev).Msg("source: no new commits")
		return nil
	}

	g.mu.Lock()
	g.current = newRev
	callbacks := append([]ChangeCallback(nil), g.onChange...)
	g.mu.Unlock()

	g.logger.Info().Str("old", oldRev).Str("new", newRev).Msg("source: new commits detected")
	for _, cb := range callbacks {
		cb(ctx, oldRev, newRev)
	}
	return nil
}

func (g *GitSource) notifyFailure(err error) {
	g.mu.Lock()
	callbacks := append([]FailureCallback(nil), g.onFail...)
	g.mu.Unlock()
	for _, cb := range callbacks {
		cb(err)
	}
}
