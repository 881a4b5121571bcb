// sharedmapctl is an interactive REPL over a shmmap.Map, the demo program
// the original coherence engine this repo is based on shipped as example
// scripts: run it from two terminals against the same -name and watch each
// one see the other's writes.
//
// Usage:
//
//	sharedmapctl -n <name> [-b buffer-size] [-s] [-f full-dump-size]
//
// Commands (in REPL):
//
//	set <key> <value>       Store value (JSON-decoded if it parses, else string)
//	get <key>               Retrieve and print a value
//	del <key>               Delete a key
//	len                     Count live entries
//	items [limit]           List key/value pairs
//	status                  Show stream/snapshot/lock diagnostics
//	dump                    Force a snapshot rotation
//	lock status             Show lock ownership
//	lock steal <pid>        Forcibly reassign the lock away from <pid>
//	close                   Close this handle and exit
//	help                    Show this help
//	exit / quit / q         Exit
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/peterh/liner"
	flag "github.com/spf13/pflag"

	"github.com/sharedmap/sharedmap/pkg/shmmap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	var (
		name         string
		bufferSize   uint32
		fullDumpSize uint32
		sharedLock   bool
		recurse      bool
	)

	fs := flag.NewFlagSet("sharedmapctl", flag.ExitOnError)
	fs.StringVarP(&name, "name", "n", "", "name of the map to create or attach")
	fs.Uint32VarP(&bufferSize, "buffer-size", "b", shmmap.DefaultBufferSize, "log segment size in bytes, for creation only")
	fs.Uint32VarP(&fullDumpSize, "full-dump-size", "f", shmmap.DefaultFullDumpSize, "fixed snapshot size in bytes (0 = dynamic), for creation only")
	fs.BoolVarP(&sharedLock, "shared-lock", "s", false, "use the cross-process atomic lock instead of a process-local mutex")
	fs.BoolVarP(&recurse, "recurse", "r", false, "enable recursive child-map composition for nested object values")

	fs.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: sharedmapctl -n <name> [options]\n\nOptions:\n")
		fs.PrintDefaults()
	}

	if err := fs.Parse(os.Args[1:]); err != nil {
		return err
	}

	if name == "" {
		fs.Usage()
		return errors.New("missing -n/--name")
	}

	m, err := shmmap.Open(
		shmmap.WithName(name),
		shmmap.WithCreateMode(shmmap.CreateAuto),
		shmmap.WithBufferSize(bufferSize),
		shmmap.WithFullDumpSize(fullDumpSize),
		shmmap.WithSharedLock(sharedLock),
		shmmap.WithRecurse(recurse),
	)
	if err != nil {
		return fmt.Errorf("opening map %q: %w", name, err)
	}
	defer m.Close()

	repl := &REPL{m: m, name: name}
	return repl.Run()
}

// REPL is the interactive command loop.
type REPL struct {
	m     *shmmap.Map
	name  string
	liner *liner.State
}

func historyFile() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ""
	}
	return filepath.Join(home, ".sharedmapctl_history")
}

// Run starts the REPL loop.
func (r *REPL) Run() error {
	r.liner = liner.NewLiner()
	defer r.liner.Close()

	r.liner.SetCtrlCAborts(true)
	r.liner.SetCompleter(r.completer)

	if f, err := os.Open(historyFile()); err == nil {
		r.liner.ReadHistory(f)
		f.Close()
	}

	fmt.Printf("sharedmapctl - attached to %q\n", r.name)
	fmt.Println("Type 'help' for available commands.")
	fmt.Println()

	for {
		line, err := r.liner.Prompt("sharedmap> ")
		if err != nil {
			if errors.Is(err, liner.ErrPromptAborted) || errors.Is(err, io.EOF) {
				fmt.Println("\nBye!")
				break
			}
			return fmt.Errorf("reading input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		r.liner.AppendHistory(line)

		parts := strings.Fields(line)
		cmd := strings.ToLower(parts[0])
		args := parts[1:]

		switch cmd {
		case "exit", "quit", "q":
			fmt.Println("Bye!")
			r.saveHistory()
			return nil
		case "help", "?":
			r.printHelp()
		case "set":
			r.cmdSet(args)
		case "get":
			r.cmdGet(args)
		case "del", "delete":
			r.cmdDel(args)
		case "len", "count":
			r.cmdLen()
		case "items", "ls", "list":
			r.cmdItems(args)
		case "status":
			r.cmdStatus()
		case "dump":
			r.cmdDump()
		case "lock":
			r.cmdLock(args)
		case "close":
			fmt.Println("closing handle")
			_ = r.m.Close()
			r.saveHistory()
			return nil
		default:
			fmt.Printf("unknown command: %s (type 'help' for commands)\n", cmd)
		}
	}

	r.saveHistory()
	return nil
}

func (r *REPL) saveHistory() {
	if path := historyFile(); path != "" {
		if f, err := os.Create(path); err == nil {
			r.liner.WriteHistory(f)
			f.Close()
		}
	}
}

func (r *REPL) completer(line string) []string {
	commands := []string{
		"set", "get", "del", "delete", "len", "count", "items", "ls", "list",
		"status", "dump", "lock status", "lock steal", "close",
		"help", "exit", "quit", "q",
	}
	var completions []string
	lower := strings.ToLower(line)
	for _, cmd := range commands {
		if strings.HasPrefix(cmd, lower) {
			completions = append(completions, cmd)
		}
	}
	return completions
}

func (r *REPL) printHelp() {
	fmt.Println("Commands:")
	fmt.Println("  set <key> <value>       Store value (JSON-decoded if it parses, else string)")
	fmt.Println("  get <key>               Retrieve and print a value")
	fmt.Println("  del <key>               Delete a key")
	fmt.Println("  len                     Count live entries")
	fmt.Println("  items [limit]           List key/value pairs")
	fmt.Println("  status                  Show stream/snapshot/lock diagnostics")
	fmt.Println("  dump                    Force a snapshot rotation")
	fmt.Println("  lock status             Show lock ownership")
	fmt.Println("  lock steal <pid>        Forcibly reassign the lock away from <pid>")
	fmt.Println("  close                   Close this handle and exit")
	fmt.Println("  help                    Show this help")
	fmt.Println("  exit / quit / q         Exit")
}

func (r *REPL) cmdSet(args []string) {
	if len(args) < 2 {
		fmt.Println("usage: set <key> <value>")
		return
	}
	key := args[0]
	raw := strings.Join(args[1:], " ")

	var decoded any
	if err := json.Unmarshal([]byte(raw), &decoded); err != nil {
		decoded = raw
	}

	if err := r.m.Set(context.Background(), key, decoded); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdGet(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: get <key>")
		return
	}
	var out any
	ok, err := r.m.Get(args[0], &out)
	if err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	if !ok {
		fmt.Println("(not found)")
		return
	}
	pretty, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		fmt.Printf("%v\n", out)
		return
	}
	fmt.Println(string(pretty))
}

func (r *REPL) cmdDel(args []string) {
	if len(args) != 1 {
		fmt.Println("usage: del <key>")
		return
	}
	if err := r.m.Delete(context.Background(), args[0]); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdLen() {
	fmt.Println(r.m.Len())
}

func (r *REPL) cmdItems(args []string) {
	limit := -1
	if len(args) == 1 {
		n, err := strconv.Atoi(args[0])
		if err == nil {
			limit = n
		}
	}

	count := 0
	for k, v := range r.m.Items() {
		if limit >= 0 && count >= limit {
			break
		}
		fmt.Printf("%s = %s\n", k, string(v))
		count++
	}
	fmt.Printf("(%d entries shown)\n", count)
}

func (r *REPL) cmdStatus() {
	s := r.m.Status()
	fmt.Printf("name:                 %s\n", s.Name)
	fmt.Printf("creator:              %v\n", s.Creator)
	fmt.Printf("stream_end:           %d\n", s.StreamEnd)
	fmt.Printf("local_stream_pos:     %d\n", s.LocalStreamPos)
	fmt.Printf("snapshot_epoch:       %d\n", s.SnapshotEpoch)
	fmt.Printf("local_snapshot_epoch: %d\n", s.LocalSnapshotEpoch)
	fmt.Printf("snapshot_name:        %q\n", s.SnapshotName)
	fmt.Printf("cached_entries:       %d\n", s.CachedEntries)
	fmt.Printf("lock.locked:          %v\n", s.Lock.Locked)
	fmt.Printf("lock.owner_pid:       %d\n", s.Lock.OwnerPID)
	fmt.Printf("lock.held_by_us:      %v\n", s.Lock.HeldByUs)
}

func (r *REPL) cmdDump() {
	if err := r.m.Dump(context.Background()); err != nil {
		fmt.Printf("error: %v\n", err)
		return
	}
	fmt.Println("ok")
}

func (r *REPL) cmdLock(args []string) {
	if len(args) == 0 {
		fmt.Println("usage: lock status | lock steal <pid>")
		return
	}

	switch args[0] {
	case "status":
		s := r.m.Status().Lock
		fmt.Printf("locked: %v owner_pid: %d held_by_us: %v recurse_depth: %d\n",
			s.Locked, s.OwnerPID, s.HeldByUs, s.RecurseDepth)
	case "steal":
		if len(args) != 2 {
			fmt.Println("usage: lock steal <pid>")
			return
		}
		pid, err := strconv.Atoi(args[1])
		if err != nil {
			fmt.Println("usage: lock steal <pid>")
			return
		}
		if owner := r.m.Status().Lock.OwnerPID; owner != pid {
			fmt.Printf("lock is not held by pid %d (owner pid: %d)\n", pid, owner)
			return
		}
		if err := r.m.StealLock(); err != nil {
			fmt.Printf("error: %v\n", err)
			return
		}
		fmt.Println("ok")
	default:
		fmt.Println("usage: lock status | lock steal <pid>")
	}
}
