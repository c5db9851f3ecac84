// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package jwtauth

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/binary"
)

// rsaPublicKeyComponents encodes the modulus and exponent of an RSA
// public key as base64url strings, per RFC 7518 §6.3.1.
func rsaPublicKeyComponents(pub *rsa.PublicKey) (n, e string) {
	n = base64.RawURLEncoding.EncodeToString(pub.N.Bytes())

	buf := make([]byte, 4)
	binary.BigEndian.PutUint32(buf, uint32(pub.E))
	for len(buf) > 1 && buf[0] == 0 {
		buf = buf[1:]
	}
	e = base64.RawURLEncoding.EncodeToString(buf)
	return n, e
}
