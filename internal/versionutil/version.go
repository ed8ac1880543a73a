// Package versionutil formats build version strings.
package versionutil

import (
	"runtime"
	"strings"
)

// EnsureVPrefix returns s with a leading "v" if it doesn't already have one.
func EnsureVPrefix(s string) string {
	if s != "" && !strings.HasPrefix(s, "v") {
		return "v" + s
	}
	return s
}

// IsDev reports whether version is an unreleased build.
func IsDev(version string) bool {
	version = strings.TrimSpace(version)
	return version == "" || version == "dev" || strings.HasSuffix(version, "-dev")
}

// UserAgent builds the HTTP User-Agent sent by the agent.
func UserAgent(product, version string) string {
	if IsDev(version) {
		version = "dev"
	} else {
		version = EnsureVPrefix(strings.TrimSpace(version))
	}
	return product + "/" + version + " (" + runtime.GOOS + "/" + runtime.GOARCH + ")"
}
