//go:build mage

package main

import (
	"fmt"
	"os"
	"runtime"

	"github.com/magefile/mage/sh"
)

// Build builds attrio for Linux
func Build() error {
	fmt.Println("Building attrio for Linux...")
	env := map[string]string{
		"GOOS":   "linux",
		"GOARCH": "amd64",
	}
	return sh.RunWith(env, "go", "build", "-o", "attrio-linux-amd64", "./cmd/attrio")
}

// BuildLocal builds attrio for current platform
func BuildLocal() error {
	fmt.Printf("Building attrio for %s/%s...\n", runtime.GOOS, runtime.GOARCH)
	return sh.Run("go", "build", "-o", "attrio", "./cmd/attrio")
}

// Test runs tests
func Test() error {
	fmt.Println("Running tests...")
	return sh.Run("go", "test", "-v", "./...")
}

// Vet runs go vet across the module
func Vet() error {
	return sh.Run("go", "vet", "./...")
}

// Clean removes build artifacts
func Clean() error {
	fmt.Println("Cleaning build artifacts...")
	os.Remove("attrio")
	os.Remove("attrio-linux-amd64")
	return nil
}
