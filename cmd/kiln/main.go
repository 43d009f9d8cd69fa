// Package main is the single-binary entrypoint for Kiln.
// Kiln schedules concurrent video generation under one GPU's VRAM budget.
package main

import "github.com/kiln-media/kiln/internal/cli"

// version is set at build time via -ldflags.
var version = "dev"

func main() {
	cli.Execute(version)
}
