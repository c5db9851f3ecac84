// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package adminauth

import (
	"testing"

	"golang.org/x/crypto/bcrypt"
)

func mustHash(t *testing.T, password string) string {
	t.Helper()
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.MinCost)
	if err != nil {
		t.Fatalf("bcrypt.GenerateFromPassword: %v", err)
	}
	return string(hash)
}

func TestAuthenticateLocalSuccess(t *testing.T) {
	a := New([]LocalAccount{{Username: "admin", PasswordHash: mustHash(t, "hunter2")}}, LDAPConfig{})

	id, err := a.Authenticate("admin", "hunter2")
	if err != nil {
		t.Fatalf("Authenticate: %v", err)
	}
	if id.Username != "admin" || id.Source != "local" {
		t.Errorf("Identity = %+v", id)
	}
}

func TestAuthenticateLocalWrongPassword(t *testing.T) {
	a := New([]LocalAccount{{Username: "admin", PasswordHash: mustHash(t, "hunter2")}}, LDAPConfig{})

	if _, err := a.Authenticate("admin", "wrong"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateUnknownUserNoLDAP(t *testing.T) {
	a := New(nil, LDAPConfig{Enabled: false})

	if _, err := a.Authenticate("ghost", "whatever"); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}

func TestAuthenticateEmptyCredentials(t *testing.T) {
	a := New(nil, LDAPConfig{})
	if _, err := a.Authenticate("", ""); err != ErrInvalidCredentials {
		t.Fatalf("err = %v, want ErrInvalidCredentials", err)
	}
}
