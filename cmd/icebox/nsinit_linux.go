//go:build linux

package main

import "github.com/p-arndt/icebox/internal/runtime/linux"

func isInit() bool {
	return linux.IsInit()
}

func runInit() error {
	return linux.RunInit()
}
