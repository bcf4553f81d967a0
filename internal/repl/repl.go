// Package repl implements the interactive read-eval-print loop: one
// heap, one symbol arena, one global table, and one VM thread persist
// across lines, so a `def` on one line is visible to a call on the next.
package repl

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"os"

	"stickylisp/internal/compiler"
	"stickylisp/internal/heapimpl"
	"stickylisp/internal/lexer"
	"stickylisp/internal/lispval"
	"stickylisp/internal/parser"
	"stickylisp/internal/printer"
	"stickylisp/internal/vm"

	"github.com/kr/pretty"
	"github.com/mattn/go-isatty"
)

const exitCommand = "exit"

// Start runs the loop against in/out until EOF or the user types "exit".
// The prompt is suppressed when stdin isn't a terminal (e.g.
// `stickylisp repl < script.lisp`), the same is-this-interactive check
// every REPL built on go-isatty makes.
func Start(in *os.File, out io.Writer, cfg heapimpl.Config, logger *log.Logger, debug bool) error {
	h := heapimpl.NewHeap(cfg, logger)
	arena := lispval.NewSymbolArena(h)
	globals, err := lispval.NewDict(h, cfg.DictInitialCapacity)
	if err != nil {
		return err
	}
	thread, err := vm.NewThread(h, globals, arena)
	if err != nil {
		return err
	}

	interactive := isatty.IsTerminal(in.Fd()) || isatty.IsCygwinTerminal(in.Fd())
	if interactive {
		fmt.Fprintln(out, "stickylisp REPL | type 'exit' to quit")
	}
	logger.Printf("repl session started (interactive=%v)", interactive)

	scanner := bufio.NewScanner(in)
	for {
		if interactive {
			fmt.Fprint(out, ">>> ")
		}
		if !scanner.Scan() {
			break
		}
		line := scanner.Text()
		if line == exitCommand {
			break
		}
		if line == "" {
			continue
		}

		tokens := lexer.NewScanner(line).ScanTokens()
		p := parser.NewParser(h, arena, tokens)
		forms := p.Parse()
		if len(p.Errors) > 0 {
			for _, e := range p.Errors {
				fmt.Fprintf(out, "parse error: %v\n", e)
			}
			continue
		}
		if len(forms) == 0 {
			continue
		}

		fn, err := compiler.CompileProgram(h, arena, forms)
		if err != nil {
			fmt.Fprintf(out, "compile error: %v\n", err)
			continue
		}
		if debug {
			pretty.Println(fn)
		}

		result, err := thread.Run(fn)
		if err != nil {
			fmt.Fprintf(out, "runtime error: %v\n", err)
			continue
		}
		fmt.Fprintln(out, printer.Print(result))
	}
	logger.Printf("repl session ended")
	return scanner.Err()
}
