//go:build ignore
// +build ignore

package main

import (
	"log"
	"os"

	"github.com/go-delve/dlock/cmd/dlock/cmds"
	"github.com/go-delve/dlock/cmd/dlock/cmds/helphelpers"
	"github.com/spf13/cobra/doc"
)

const defaultUsageDir = "./Documentation/usage"

func main() {
	usageDir := defaultUsageDir
	if len(os.Args) > 1 {
		usageDir = os.Args[1]
	}
	if err := os.MkdirAll(usageDir, 0755); err != nil {
		log.Fatal(err)
	}

	names := []string{""}
	for _, subcmd := range cmds.New(true).Commands() {
		names = append(names, subcmd.Name())
	}
	// Prepare is destructive and GenMarkdownTree skips help topics such as
	// 'log', so every page is generated from a fresh command tree.
	for _, name := range names {
		cmd := cmds.New(true)
		if name != "" {
			cmd, _, _ = cmd.Find([]string{name})
		}
		helphelpers.Prepare(cmd)
		if err := doc.GenMarkdownTree(cmd, usageDir); err != nil {
			log.Fatalf("generating usage of %q: %v", name, err)
		}
	}
}
