//go:build !linux

package main

import (
	"errors"
	"fmt"
	"os"
)

func isInit() bool { return false }

func runInit() error { return errors.New("sandboxes require Linux") }

func dispatch(name string, args []string, opts globalOpts) int {
	fmt.Fprintln(os.Stderr, "icebox requires Linux")
	return 1
}
