//go:build !unix

package disk

import "os"

// lockFile is a no-op where fcntl is unavailable; cross-process safety then
// relies on a single server owning the root.
func lockFile(*os.File) error { return nil }

func unlockFile(*os.File) error { return nil }
