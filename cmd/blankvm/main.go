// blankvm boots a flat binary image inside a single-vCPU KVM guest and
// bridges its serial port to stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"strconv"

	"github.com/c35s/blankvm/vm"
	"golang.org/x/term"
)

func usage() {
	fmt.Fprintf(os.Stderr, "Usage: %s [-RPL] [-m mem_size] [-e entry] [-p page_table] image\n\n", os.Args[0])
	fmt.Fprintf(os.Stderr, "  -R    real mode (16-bit), default\n")
	fmt.Fprintf(os.Stderr, "  -P    protected mode (32-bit)\n")
	fmt.Fprintf(os.Stderr, "  -L    long mode (64-bit)\n")
	fmt.Fprintf(os.Stderr, "  -m    memory size\n")
	fmt.Fprintf(os.Stderr, "  -e    entry point address\n")
	fmt.Fprintf(os.Stderr, "  -p    page table address (only for long mode)\n\n")
}

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	opts := vm.Options{
		Mode:    vm.ModeReal,
		MemSize: vm.MemSizeDefault,
	}

	var pageTableSet bool
	var pageTable uint64

	fs := flag.NewFlagSet("blankvm", flag.ContinueOnError)
	fs.Usage = usage

	fs.BoolFunc("R", "real mode", func(string) error { opts.Mode = vm.ModeReal; return nil })
	fs.BoolFunc("P", "protected mode", func(string) error { opts.Mode = vm.ModeProtected; return nil })
	fs.BoolFunc("L", "long mode", func(string) error { opts.Mode = vm.ModeLong; return nil })

	fs.Func("m", "memory size", func(s string) error {
		n, err := parseNum(s)
		if err != nil {
			return err
		}

		opts.MemSize = int(n)
		return nil
	})

	fs.Func("e", "entry point address", func(s string) error {
		n, err := parseNum(s)
		if err != nil {
			return err
		}

		opts.Entry = n
		return nil
	})

	fs.Func("p", "page table address", func(s string) error {
		n, err := parseNum(s)
		if err != nil {
			return err
		}

		pageTable = n
		pageTableSet = true
		return nil
	})

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if pageTableSet {
		opts.PageTable = &pageTable
	}

	if fs.NArg() < 1 {
		usage()
		return fmt.Errorf("no image given")
	}

	opts.ImagePath = fs.Arg(0)
	opts.In = os.Stdin
	opts.Out = os.Stdout
	opts.Err = os.Stderr

	m, err := vm.New(opts)
	if err != nil {
		return err
	}

	defer m.Close()

	if term.IsTerminal(int(os.Stdin.Fd())) {
		old, err := term.MakeRaw(int(os.Stdin.Fd()))
		if err != nil {
			return err
		}

		defer term.Restore(int(os.Stdin.Fd()), old)
	}

	return m.Run(context.Background())
}

// parseNum parses s with strconv.ParseUint's base-0 rules: decimal, 0x hex,
// and 0-prefixed octal as strtoull(s, &end, 0) reads them, plus the 0b/0o
// prefixes and underscore digit separators that strtoull does not accept.
// The entire string must be consumed; a sign is rejected.
func parseNum(s string) (uint64, error) {
	if s == "" {
		return 0, fmt.Errorf("empty number")
	}

	n, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid number %q: %w", s, err)
	}

	return n, nil
}
