package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/kolkov/framedescr/internal/frames/batchfile"
	"github.com/kolkov/framedescr/internal/frames/registry"
)

var shellCommands = []string{"load", "unload", "find", "stats", "check", "files", "help", "quit"}

func runShell(args []string, out, errOut io.Writer) error {
	flagSet := flag.NewFlagSet("shell", flag.ContinueOnError)
	flagSet.SetOutput(errOut)

	verbose := flagSet.BoolP("verbose", "v", false, "Log registry events")
	maxSlots := flagSet.Int("max-slots", 0, "Index slot limit (0 for none)")

	if err := flagSet.Parse(args); err != nil {
		return errUsage
	}

	sh, err := newShell(out, registry.Options{
		MaxSlots: *maxSlots,
		Logger:   newLogger(errOut, *verbose),
	})
	if err != nil {
		return err
	}
	defer sh.close()

	// Files named on the command line are loaded up front.
	if flagSet.NArg() > 0 {
		sh.exec("load " + strings.Join(flagSet.Args(), " "))
	}

	return sh.repl()
}

// shell is the interactive registry session. Commands run on one goroutine,
// so unload may unmap right after Deregister.
type shell struct {
	out   io.Writer
	reg   *registry.Registry
	files map[string]*batchfile.File // By path as typed.
	liner *liner.State
}

func newShell(out io.Writer, opts registry.Options) (*shell, error) {
	r, err := registry.New(opts)
	if err != nil {
		return nil, err
	}
	return &shell{out: out, reg: r, files: make(map[string]*batchfile.File)}, nil
}

// historyFile returns the path to the history file.
func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".framedescr_history")
}

func (s *shell) repl() error {
	s.liner = liner.NewLiner()
	defer s.liner.Close()

	s.liner.SetCtrlCAborts(true)
	s.liner.SetCompleter(s.completer)

	if f, err := os.Open(historyFile()); err == nil {
		_, _ = s.liner.ReadHistory(f)
		_ = f.Close()
	}
	defer s.saveHistory()

	fmt.Fprintln(s.out, "framedescr shell. Type 'help' for available commands.")

	for {
		line, err := s.liner.Prompt("frames> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Fprintln(s.out)
				return nil
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		s.liner.AppendHistory(line)

		if quit := s.exec(line); quit {
			return nil
		}
	}
}

// exec runs one command line and reports whether the session should end.
func (s *shell) exec(line string) (quit bool) {
	parts := strings.Fields(line)
	if len(parts) == 0 {
		return false
	}
	cmd, args := strings.ToLower(parts[0]), parts[1:]

	var err error
	switch cmd {
	case "quit", "exit", "q":
		return true
	case "help", "?":
		s.printHelp()
	case "load":
		err = s.cmdLoad(args)
	case "unload":
		err = s.cmdUnload(args)
	case "find":
		err = s.cmdFind(args)
	case "stats":
		printStats(s.out, s.reg.Stats())
	case "check":
		if err = s.reg.Check(); err == nil {
			fmt.Fprintln(s.out, "invariants: ok")
		}
	case "files":
		s.cmdFiles()
	default:
		err = fmt.Errorf("unknown command: %s (type 'help' for commands)", cmd)
	}

	if err != nil {
		fmt.Fprintf(s.out, "error: %v\n", err)
	}
	return false
}

func (s *shell) cmdLoad(paths []string) error {
	if len(paths) == 0 {
		return errors.New("usage: load FILE...")
	}
	seen := make(map[string]bool, len(paths))
	for _, p := range paths {
		if _, dup := s.files[p]; dup || seen[p] {
			return fmt.Errorf("%s already loaded", p)
		}
		seen[p] = true
	}

	files, err := openFiles(paths)
	if err != nil {
		return err
	}
	if err := s.reg.Register(batchesOf(files)...); err != nil {
		return errors.Join(err, closeFiles(files))
	}

	for _, f := range files {
		s.files[f.Path()] = f
		fmt.Fprintf(s.out, "loaded %s (%d descriptors)\n", f.Path(), f.Batch().Len())
	}
	return nil
}

func (s *shell) cmdUnload(paths []string) error {
	if len(paths) == 0 {
		return errors.New("usage: unload FILE...")
	}

	files := make([]*batchfile.File, 0, len(paths))
	for _, p := range paths {
		f, ok := s.files[p]
		if !ok {
			return fmt.Errorf("%s not loaded", p)
		}
		files = append(files, f)
	}

	if err := s.reg.Deregister(batchesOf(files)...); err != nil {
		return err
	}
	for _, f := range files {
		delete(s.files, f.Path())
		fmt.Fprintf(s.out, "unloaded %s\n", f.Path())
	}
	return closeFiles(files)
}

func (s *shell) cmdFind(args []string) error {
	if len(args) == 0 {
		return errors.New("usage: find ADDR...")
	}
	for _, a := range args {
		pc, err := parseAddr(a)
		if err != nil {
			return err
		}
		fmt.Fprintln(s.out, formatDescr(pc, s.reg.Find(pc)))
	}
	return nil
}

func (s *shell) cmdFiles() {
	paths := make([]string, 0, len(s.files))
	for p := range s.files {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	for _, p := range paths {
		f := s.files[p]
		fmt.Fprintf(s.out, "%s\t%d descriptors\tformat %s\n", p, f.Batch().Len(), f.Header().Version)
	}
}

func (s *shell) printHelp() {
	fmt.Fprint(s.out, `Commands:
  load FILE...     Map batch files and register them
  unload FILE...   Deregister batch files and unmap them
  find ADDR...     Look up return addresses
  stats            Index statistics
  check            Verify index invariants
  files            List loaded files
  help             Show this help
  quit             Leave the shell
`)
}

// completer provides tab completion for commands.
func (s *shell) completer(line string) []string {
	var out []string
	for _, c := range shellCommands {
		if strings.HasPrefix(c, strings.ToLower(line)) {
			out = append(out, c)
		}
	}
	return out
}

// saveHistory persists command history to disk.
func (s *shell) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil { //nolint:gosec
			_, _ = s.liner.WriteHistory(f)
			_ = f.Close()
		}
	}
}

// close unloads everything still loaded.
func (s *shell) close() {
	if len(s.files) == 0 {
		return
	}
	files := make([]*batchfile.File, 0, len(s.files))
	for _, f := range s.files {
		files = append(files, f)
	}
	if err := s.reg.Deregister(batchesOf(files)...); err == nil {
		_ = closeFiles(files)
	}
	clear(s.files)
}
