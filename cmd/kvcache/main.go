// Package main runs the kvcache server: an in-memory key-value cache that
// evicts under memory pressure instead of letting the process be OOM-killed.
package main

import (
	"os"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
