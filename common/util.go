package common

import (
	"os"
	"runtime"
)

func PanicIfErr(err error) {
	if err != nil {
		panic(err)
	}
}

// Remove deletes a file and ignores not-exist errors. It is mostly used in
// tests to clean up temporary database files.
func Remove(file string) {
	if err := os.Remove(file); err != nil && !os.IsNotExist(err) {
		panic(err)
	}
}

// SpinWhile busy-waits until cond returns false. It yields the processor
// between polls so that a spinning goroutine does not starve the one it is
// waiting for.
func SpinWhile(cond func() bool) {
	for cond() {
		runtime.Gosched()
	}
}
