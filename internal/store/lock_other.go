//go:build !unix

package store

import "os"

// Advisory locking is unavailable; writes still go through atomic rename.
func tryLock(*os.File) error { return nil }

func unlock(*os.File) error { return nil }
