package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/dustin/go-humanize"
	"go.uber.org/zap"

	"github.com/sushant-115/pagecache/core/pagecache"
)

// ShellCmd opens an interactive shell over one arena.
type ShellCmd struct {
	History string `name:"history" help:"History file" default:"~/.pcachectl_history"`
}

func (c *ShellCmd) Run(g *Globals) error {
	e, err := newEnv(g)
	if err != nil {
		return err
	}
	defer e.Close()

	history := c.History
	if strings.HasPrefix(history, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			history = filepath.Join(home, history[2:])
		}
	}
	rl, err := readline.NewEx(&readline.Config{
		Prompt:          "pcache> ",
		HistoryFile:     history,
		AutoComplete:    shellCompleter,
		InterruptPrompt: "^C",
		EOFPrompt:       "exit",
	})
	if err != nil {
		return fmt.Errorf("init readline: %w", err)
	}
	defer rl.Close()

	sh := newShell(e.arena, e.heap, rl.Stdout(), e.logger)
	defer sh.destroyAll()
	fmt.Fprintln(rl.Stdout(), "pcachectl shell. Type 'help' for commands, 'exit' or 'quit' to leave.")
	for {
		line, err := rl.Readline()
		if errors.Is(err, readline.ErrInterrupt) {
			if line == "" {
				return nil
			}
			continue
		}
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return err
		}
		quit, err := sh.exec(line)
		if err != nil {
			fmt.Fprintf(rl.Stdout(), "Error: %v\n", err)
		}
		if quit {
			return nil
		}
	}
}

var shellCompleter = readline.NewPrefixCompleter(
	readline.PcItem("create"),
	readline.PcItem("size"),
	readline.PcItem("fetch", readline.PcItem("none"), readline.PcItem("easy"), readline.PcItem("force")),
	readline.PcItem("unpin"),
	readline.PcItem("write"),
	readline.PcItem("read"),
	readline.PcItem("rekey"),
	readline.PcItem("truncate"),
	readline.PcItem("shrink"),
	readline.PcItem("destroy"),
	readline.PcItem("release"),
	readline.PcItem("stats"),
	readline.PcItem("help"),
	readline.PcItem("exit"),
)

const shellHelp = `Commands:
  create <name> <pageSize> [volatile]   new cache, purgeable unless volatile
  size <name> <pages>                   set the cache size
  fetch <name> <key> [none|easy|force]  fetch and pin a page (default force)
  unpin <name> <key> [discard]          unpin a page
  write <name> <key> <text>             write text into a pinned page
  read <name> <key>                     print the start of a pinned page
  rekey <name> <old> <new>              move a pinned page to a new key
  truncate <name> <limit>               drop every page with key >= limit
  shrink <name>                         free all unpinned pages
  destroy <name>                        destroy a cache
  release <bytes|all>                   reclaim heap memory from the LRU list
  stats                                 arena and cache counters
  help
  exit / quit`

// shell holds the caches and pinned pages created from the prompt.
type shell struct {
	arena  *pagecache.Arena
	heap   *pagecache.LimitHeap
	out    io.Writer
	logger *zap.Logger

	caches map[string]*pagecache.Cache
	pinned map[string]map[uint32]*pagecache.Page
}

func newShell(arena *pagecache.Arena, heap *pagecache.LimitHeap, out io.Writer, logger *zap.Logger) *shell {
	return &shell{
		arena:  arena,
		heap:   heap,
		out:    out,
		logger: logger,
		caches: make(map[string]*pagecache.Cache),
		pinned: make(map[string]map[uint32]*pagecache.Page),
	}
}

func (s *shell) destroyAll() {
	for name, c := range s.caches {
		c.Destroy()
		delete(s.caches, name)
	}
}

func (s *shell) cache(name string) (*pagecache.Cache, error) {
	c, ok := s.caches[name]
	if !ok {
		return nil, fmt.Errorf("no cache named %q", name)
	}
	return c, nil
}

func (s *shell) pinnedPage(name string, key uint32) (*pagecache.Page, error) {
	p, ok := s.pinned[name][key]
	if !ok {
		return nil, fmt.Errorf("page %d of %q is not pinned", key, name)
	}
	return p, nil
}

func parseKey(arg string) (uint32, error) {
	v, err := strconv.ParseUint(arg, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("bad key %q", arg)
	}
	return uint32(v), nil
}

func parseFlag(arg string) (pagecache.CreateFlag, error) {
	switch strings.ToLower(arg) {
	case "none", "0":
		return pagecache.CreateNone, nil
	case "easy", "1":
		return pagecache.CreateEasy, nil
	case "force", "2":
		return pagecache.CreateForce, nil
	}
	return 0, fmt.Errorf("bad create flag %q", arg)
}

// exec runs one command line. quit is set by exit and quit.
func (s *shell) exec(line string) (quit bool, err error) {
	args := strings.Fields(line)
	if len(args) == 0 {
		return false, nil
	}
	need := func(n int, usage string) error {
		if len(args) < n {
			return fmt.Errorf("usage: %s", usage)
		}
		return nil
	}

	switch cmd := strings.ToLower(args[0]); cmd {
	case "create":
		if err := need(3, "create <name> <pageSize> [volatile]"); err != nil {
			return false, err
		}
		if _, ok := s.caches[args[1]]; ok {
			return false, fmt.Errorf("cache %q already exists", args[1])
		}
		size, err := strconv.Atoi(args[2])
		if err != nil {
			return false, fmt.Errorf("bad page size %q", args[2])
		}
		purgeable := !(len(args) > 3 && args[3] == "volatile")
		c, err := s.arena.Create(size, purgeable)
		if err != nil {
			return false, err
		}
		s.caches[args[1]] = c
		s.pinned[args[1]] = make(map[uint32]*pagecache.Page)
		fmt.Fprintf(s.out, "created %s: %d-byte pages, purgeable=%t\n", args[1], size, purgeable)

	case "size":
		if err := need(3, "size <name> <pages>"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		n, err := strconv.Atoi(args[2])
		if err != nil {
			return false, fmt.Errorf("bad size %q", args[2])
		}
		c.SetCacheSize(n)
		fmt.Fprintf(s.out, "%s: cache size %d\n", args[1], c.CacheSize())

	case "fetch":
		if err := need(3, "fetch <name> <key> [none|easy|force]"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		key, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		flag := pagecache.CreateForce
		if len(args) > 3 {
			if flag, err = parseFlag(args[3]); err != nil {
				return false, err
			}
		}
		p, err := c.Fetch(key, flag)
		if err != nil {
			return false, err
		}
		s.pinned[args[1]][key] = p
		fmt.Fprintf(s.out, "%s: page %d pinned (slab=%t)\n", args[1], key, p.FromSlab())

	case "unpin":
		if err := need(3, "unpin <name> <key> [discard]"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		key, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		p, err := s.pinnedPage(args[1], key)
		if err != nil {
			return false, err
		}
		if err := c.Unpin(p, len(args) > 3 && args[3] == "discard"); err != nil {
			return false, err
		}
		delete(s.pinned[args[1]], key)
		fmt.Fprintf(s.out, "%s: page %d unpinned\n", args[1], key)

	case "write":
		if err := need(4, "write <name> <key> <text>"); err != nil {
			return false, err
		}
		key, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		p, err := s.pinnedPage(args[1], key)
		if err != nil {
			return false, err
		}
		n := copy(p.Data(), strings.Join(args[3:], " "))
		fmt.Fprintf(s.out, "%s: wrote %d bytes to page %d\n", args[1], n, key)

	case "read":
		if err := need(3, "read <name> <key>"); err != nil {
			return false, err
		}
		key, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		p, err := s.pinnedPage(args[1], key)
		if err != nil {
			return false, err
		}
		data := p.Data()
		if i := strings.IndexByte(string(data), 0); i >= 0 {
			data = data[:i]
		}
		if len(data) > 64 {
			data = data[:64]
		}
		fmt.Fprintf(s.out, "%s: page %d: %q\n", args[1], key, data)

	case "rekey":
		if err := need(4, "rekey <name> <old> <new>"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		oldKey, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		newKey, err := parseKey(args[3])
		if err != nil {
			return false, err
		}
		p, err := s.pinnedPage(args[1], oldKey)
		if err != nil {
			return false, err
		}
		if err := c.Rekey(p, oldKey, newKey); err != nil {
			return false, err
		}
		delete(s.pinned[args[1]], oldKey)
		s.pinned[args[1]][newKey] = p
		fmt.Fprintf(s.out, "%s: page %d is now %d\n", args[1], oldKey, newKey)

	case "truncate":
		if err := need(3, "truncate <name> <limit>"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		limit, err := parseKey(args[2])
		if err != nil {
			return false, err
		}
		c.Truncate(limit)
		for key := range s.pinned[args[1]] {
			if key >= limit {
				delete(s.pinned[args[1]], key)
			}
		}
		fmt.Fprintf(s.out, "%s: %d pages left\n", args[1], c.PageCount())

	case "shrink":
		if err := need(2, "shrink <name>"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		c.Shrink()
		fmt.Fprintf(s.out, "%s: %d pages left\n", args[1], c.PageCount())

	case "destroy":
		if err := need(2, "destroy <name>"); err != nil {
			return false, err
		}
		c, err := s.cache(args[1])
		if err != nil {
			return false, err
		}
		c.Destroy()
		delete(s.caches, args[1])
		delete(s.pinned, args[1])
		fmt.Fprintf(s.out, "destroyed %s\n", args[1])

	case "release":
		if err := need(2, "release <bytes|all>"); err != nil {
			return false, err
		}
		n := -1
		if args[1] != "all" {
			v, err := humanize.ParseBytes(args[1])
			if err != nil {
				return false, fmt.Errorf("bad byte count %q", args[1])
			}
			n = int(v)
		}
		freed := s.arena.ReleaseMemory(n)
		fmt.Fprintf(s.out, "released %s\n", humanize.IBytes(uint64(freed)))

	case "stats":
		s.printStats()

	case "help":
		fmt.Fprintln(s.out, shellHelp)

	case "exit", "quit":
		return true, nil

	default:
		return false, fmt.Errorf("unknown command %q, type 'help' for a list", cmd)
	}
	return false, nil
}

func (s *shell) printStats() {
	st := s.arena.Stats()
	fmt.Fprintf(s.out, "arena: current %d, max %d, min %d, recyclable %d, caches %d\n",
		st.CurrentPages, st.MaxPages, st.MinPages, st.Recyclable, st.Caches)
	if st.SlabSlots > 0 {
		fmt.Fprintf(s.out, "slab:  %d of %d slots free\n", st.SlabFree, st.SlabSlots)
	}
	if s.heap != nil {
		fmt.Fprintf(s.out, "heap:  %s in use\n", humanize.IBytes(uint64(s.heap.Used())))
	}
	names := make([]string, 0, len(s.caches))
	for name := range s.caches {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		c := s.caches[name]
		fmt.Fprintf(s.out, "%s: %d pages, %d recyclable, %d pinned here, size %d, max key %d\n",
			name, c.PageCount(), c.Recyclable(), len(s.pinned[name]), c.CacheSize(), c.MaxKey())
	}
}
