// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

// Package adminauth gates POST /token with an operator login, so that
// issuing a long-lived Client bearer token (or a privileged admin
// token) requires a human credential check rather than being open to
// anyone who can reach the Server.
//
// Grounded on server/internal/services/auth.go's AuthService.Login
// (local bcrypt check, falling back to LDAP) and ldap.go's LDAPService
// (bind-search-bind against a directory), reworked from "authenticate a
// dashboard user against the Postgres users table" to "authenticate an
// operator against a small static local-account list or LDAP", since
// OPAL has no user-management database of its own.
package adminauth

import (
	"crypto/tls"
	"errors"
	"fmt"

	"github.com/go-ldap/ldap/v3"
	"golang.org/x/crypto/bcrypt"
)

// ErrInvalidCredentials is returned by Authenticate on any login
// failure; the caller should respond 401 without leaking which check
// failed.
var ErrInvalidCredentials = errors.New("adminauth: invalid username or password")

// LocalAccount is one statically configured operator account.
type LocalAccount struct {
	Username     string
	PasswordHash string // bcrypt hash
}

// LDAPConfig mirrors ldap.go's LDAPService configuration.
type LDAPConfig struct {
	Enabled      bool
	Host         string
	Port         int
	UseTLS       bool
	BindDN       string
	BindPassword string
	BaseDN       string
	UserFilter   string // e.g. "(uid=%s)"
	AttrUsername string
	AttrEmail    string
}

// Authenticator checks operator credentials, trying local accounts
// first and falling back to LDAP when configured, matching
// AuthService.Login's precedence.
type Authenticator struct {
	locals map[string]LocalAccount
	ldap   LDAPConfig
}

// New constructs an Authenticator. locals may be nil/empty when only
// LDAP is used.
func New(locals []LocalAccount, ldapCfg LDAPConfig) *Authenticator {
	m := make(map[string]LocalAccount, len(locals))
	for _, a := range locals {
		m[a.Username] = a
	}
	return &Authenticator{locals: m, ldap: ldapCfg}
}

// Identity is what a successful Authenticate call confirms about the
// operator.
type Identity struct {
	Username string
	Email    string
	Source   string // "local" or "ldap"
}

// Authenticate verifies username/password against the local account
// list first, then LDAP if enabled and the user isn't local.
func (a *Authenticator) Authenticate(username, password string) (Identity, error) {
	if username == "" || password == "" {
		return Identity{}, ErrInvalidCredentials
	}

	if acct, ok := a.locals[username]; ok {
		if err := bcrypt.CompareHashAndPassword([]byte(acct.PasswordHash), []byte(password)); err != nil {
			return Identity{}, ErrInvalidCredentials
		}
		return Identity{Username: username, Source: "local"}, nil
	}

	if a.ldap.Enabled {
		return a.authenticateLDAP(username, password)
	}

	return Identity{}, ErrInvalidCredentials
}

func (a *Authenticator) authenticateLDAP(username, password string) (Identity, error) {
	conn, err := a.dialLDAP()
	if err != nil {
		return Identity{}, fmt.Errorf("adminauth: connect to LDAP: %w", err)
	}
	defer conn.Close()

	if err := conn.Bind(a.ldap.BindDN, a.ldap.BindPassword); err != nil {
		return Identity{}, fmt.Errorf("adminauth: bind service account: %w", err)
	}

	filter := fmt.Sprintf(a.ldap.UserFilter, ldap.EscapeFilter(username))
	req := ldap.NewSearchRequest(
		a.ldap.BaseDN,
		ldap.ScopeWholeSubtree, ldap.NeverDerefAliases, 1, 0, false,
		filter,
		[]string{a.ldap.AttrUsername, a.ldap.AttrEmail},
		nil,
	)

	result, err := conn.Search(req)
	if err != nil {
		return Identity{}, fmt.Errorf("adminauth: LDAP search: %w", err)
	}
	if len(result.Entries) == 0 {
		return Identity{}, ErrInvalidCredentials
	}
	entry := result.Entries[0]

	if err := conn.Bind(entry.DN, password); err != nil {
		return Identity{}, ErrInvalidCredentials
	}

	return Identity{
		Username: entry.GetAttributeValue(a.ldap.AttrUsername),
		Email:    entry.GetAttributeValue(a.ldap.AttrEmail),
		Source:   "ldap",
	}, nil
}

func (a *Authenticator) dialLDAP() (*ldap.Conn, error) {
	addr := fmt.Sprintf("%s:%d", a.ldap.Host, a.ldap.Port)
	if a.ldap.UseTLS {
		return ldap.DialTLS("tcp", addr, &tls.Config{MinVersion: tls.VersionTLS12})
	}
	return ldap.DialURL(fmt.Sprintf("ldap://%s", addr))
}
