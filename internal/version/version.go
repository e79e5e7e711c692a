// Package version holds the release version reported by the CLI.
package version

// Current is the released version, without a leading "v".
var Current = "0.1.0"
