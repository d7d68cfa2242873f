// Package bootargs parses the Multiboot2 boot command line (tag type 1)
// into kernel boot options, using github.com/jessevdk/go-flags the same
// way _examples/dsoprea-go-exfat's command-line tools parse their
// arguments (flags.NewParser), here with flags.IgnoreUnknown so that
// unrecognized boot arguments are skipped rather than rejected.
package bootargs

import (
	"strings"

	"github.com/jessevdk/go-flags"
)

// Options is the kernel's entire configuration surface (SPEC_FULL.md,
// "Configuration"): everything else is discovered at runtime.
type Options struct {
	Root      int    `long:"root" description:"volume index to search for the init program" default:"1"`
	LogLevel  string `long:"loglevel" description:"klog threshold: debug|info|warn|fatal" default:"info"`
	Init      string `long:"init" description:"path of the init program on the root volume" default:"/COMMAND.EXE"`
}

// Default returns the options that apply when no boot command line was
// supplied at all.
func Default() Options {
	return Options{Root: 1, LogLevel: "info", Init: "/COMMAND.EXE"}
}

// Parse tokenizes and parses the Multiboot2 command line string. An empty
// or unparsable command line yields Default() rather than failing boot --
// bad boot args are a category-5 "bad user request" per spec.md §7, not a
// category-1 fatal precondition.
func Parse(cmdline string) Options {
	opts := Default()
	fields := strings.Fields(cmdline)
	if len(fields) == 0 {
		return opts
	}
	parser := flags.NewParser(&opts, flags.IgnoreUnknown)
	if _, err := parser.ParseArgs(fields); err != nil {
		return Default()
	}
	return opts
}
