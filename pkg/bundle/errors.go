// SPDX-License-Identifier: LGPL-3.0-or-later
// Copyright (C) 2026 OPAL contributors

package bundle

import "fmt"

var errHashEqualsOldHash = fmt.Errorf("bundle: hash equals old_hash for a delta bundle")

func newManifestMismatchError(path string, count int) error {
	return fmt.Errorf("bundle: manifest entry %q appears in %d locations, want exactly 1", path, count)
}
