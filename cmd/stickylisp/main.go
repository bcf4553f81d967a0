// Command stickylisp is the CLI: run a script file, drop into the REPL,
// or print heap occupancy stats. It mirrors the teacher's subcommand
// dispatch (alias map, run/repl/heapstats) scoped down to the core — no
// build/watch/lint/lsp/fmt surface belongs to this spec.
package main

import (
	"flag"
	"fmt"
	"log"
	"math/bits"
	"os"

	"stickylisp/internal/compiler"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lexer"
	"stickylisp/internal/lispval"
	"stickylisp/internal/parser"
	"stickylisp/internal/printer"
	"stickylisp/internal/repl"
	"stickylisp/internal/vm"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/kr/pretty"
)

var commandAliases = map[string]string{
	"r": "run",
	"i": "repl",
	"h": "heapstats",
}

func main() {
	os.Exit(run(os.Args[1:]))
}

// run is factored out of main so the testscript harness can invoke it
// as an in-process subcommand instead of forking a real process.
func run(args []string) int {
	if len(args) == 0 {
		showUsage()
		return 1
	}

	cmd := args[0]
	if alias, ok := commandAliases[cmd]; ok {
		cmd = alias
	}
	rest := args[1:]

	if cmd == "--help" || cmd == "-h" || cmd == "help" {
		showUsage()
		return 0
	}
	if cmd == "--version" || cmd == "version" {
		fmt.Println("stickylisp 0.1.0")
		return 0
	}

	flags, fset, err := parseFlags(cmd, rest)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp: %v\n", err)
		return 1
	}

	sessionID := uuid.New().String()
	logger := log.New(os.Stderr, fmt.Sprintf("stickylisp[%s] ", sessionID), log.LstdFlags)

	cfg, err := flags.heapConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp: %v\n", err)
		return 1
	}

	switch cmd {
	case "run":
		if fset.NArg() == 0 {
			fmt.Fprintln(os.Stderr, "stickylisp run: a script file is required")
			return 1
		}
		return runFile(fset.Arg(0), cfg, logger, flags.debug)
	case "repl":
		if err := repl.Start(os.Stdin, os.Stdout, cfg, logger, flags.debug); err != nil {
			fmt.Fprintf(os.Stderr, "stickylisp repl: %v\n", err)
			return 1
		}
		return 0
	case "heapstats":
		return heapstats(cfg, logger)
	default:
		fmt.Fprintf(os.Stderr, "stickylisp: unknown command %q\n", cmd)
		showUsage()
		return 1
	}
}

type cliFlags struct {
	blockSize int
	lineSize  int
	debug     bool
}

func (f cliFlags) heapConfig() (heapimpl.Config, error) {
	cfg := heapimpl.DefaultConfig()
	if f.blockSize != 0 {
		if !isPowerOfTwo(f.blockSize) {
			return cfg, fmt.Errorf("-block-size must be a power of two, got %d", f.blockSize)
		}
		cfg.BlockSize = f.blockSize
	}
	if f.lineSize != 0 {
		if !isPowerOfTwo(f.lineSize) {
			return cfg, fmt.Errorf("-line-size must be a power of two, got %d", f.lineSize)
		}
		cfg.LineSize = uintptr(f.lineSize)
	}
	return cfg, nil
}

func isPowerOfTwo(n int) bool {
	return n > 0 && bits.OnesCount(uint(n)) == 1
}

// parseFlags wraps flag.FlagSet so run/repl/heapstats all accept the
// same -block-size/-line-size/-debug set.
func parseFlags(cmd string, args []string) (cliFlags, *flag.FlagSet, error) {
	fset := flag.NewFlagSet(cmd, flag.ContinueOnError)
	var f cliFlags
	fset.IntVar(&f.blockSize, "block-size", 0, "heap block size in bytes, must be a power of two")
	fset.IntVar(&f.lineSize, "line-size", 0, "heap line size in bytes, must be a power of two")
	fset.BoolVar(&f.debug, "debug", false, "pretty-print compiled functions before running them")
	if err := fset.Parse(args); err != nil {
		return f, fset, err
	}
	return f, fset, nil
}

func runFile(filename string, cfg heapimpl.Config, logger *log.Logger, debug bool) int {
	source, err := os.ReadFile(filename)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp run: %v\n", err)
		return 1
	}

	h := heapimpl.NewHeap(cfg, logger)
	arena := lispval.NewSymbolArena(h)

	tokens := lexer.NewScanner(string(source)).ScanTokens()
	p := parser.NewParserWithSource(h, arena, tokens, filename)
	forms := p.Parse()
	if len(p.Errors) > 0 {
		for _, e := range p.Errors {
			fmt.Fprintf(os.Stderr, "%s: parse error: %v\n", filename, e)
		}
		return 1
	}

	fn, err := compiler.CompileProgram(h, arena, forms)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: compile error: %v\n", filename, err)
		return 1
	}
	if debug {
		pretty.Println(fn)
	}

	globals, err := lispval.NewDict(h, cfg.DictInitialCapacity)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp run: %v\n", err)
		return 1
	}
	thread, err := vm.NewThread(h, globals, arena)
	if err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp run: %v\n", err)
		return 1
	}

	logger.Printf("running %s", filename)
	result, err := thread.Run(fn)
	if err != nil {
		fmt.Fprintf(os.Stderr, "%s: runtime error: %v\n", filename, err)
		return 1
	}
	if !result.IsNil() {
		fmt.Println(printer.Print(result))
	}
	return 0
}

func heapstats(cfg heapimpl.Config, logger *log.Logger) int {
	h := heapimpl.NewHeap(cfg, logger)
	// Force the head block into existence so stats reflect real occupancy.
	if _, err := h.Reserve(heapimpl.TagPair, 1); err != nil {
		fmt.Fprintf(os.Stderr, "stickylisp heapstats: %v\n", err)
		return 1
	}
	stats := h.Stats()
	fmt.Printf("block size:    %s\n", humanize.Bytes(uint64(stats.BlockSize)))
	fmt.Printf("line size:     %s\n", humanize.Bytes(uint64(stats.LineSize)))
	fmt.Printf("head used:     %s\n", humanize.Bytes(uint64(stats.HeadBytesUsed)))
	fmt.Printf("overflow used: %s\n", humanize.Bytes(uint64(stats.OverflowBytesUsed)))
	fmt.Printf("rest blocks:   %d\n", stats.RestBlocks)
	return 0
}

func showUsage() {
	fmt.Println("stickylisp - a Sticky Immix heap with a register VM for a small Lisp")
	fmt.Println()
	fmt.Println("Usage:")
	fmt.Println("  stickylisp run <file>       Run a script file         (alias: r)")
	fmt.Println("  stickylisp repl             Start the interactive REPL (alias: i)")
	fmt.Println("  stickylisp heapstats        Print heap occupancy       (alias: h)")
	fmt.Println()
	fmt.Println("Flags (run/repl/heapstats):")
	fmt.Println("  -block-size <bytes>  heap block size, must be a power of two")
	fmt.Println("  -line-size <bytes>   heap line size, must be a power of two")
	fmt.Println("  -debug               pretty-print compiled functions before running")
}
