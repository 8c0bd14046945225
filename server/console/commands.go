package console

import (
	"errors"
	"fmt"
	"runtime"
	"slices"
	"strings"
	"time"

	"github.com/df-mc/chunkd/server"
	"github.com/df-mc/chunkd/server/world"
)

var errUsage = errors.New("usage")

type command struct {
	name, usage, description string
	run                      func(c *Console, o *output, args []string) error
}

var commands = map[string]command{}

func register(cmd command) {
	commands[cmd.name] = cmd
}

func init() {
	register(command{name: "help", description: "Lists the available commands.", run: help})
	register(command{name: "status", description: "Displays the state of the world and the process.", run: status})
	register(command{name: "gc", description: "Unloads every column no client needs and runs a Go garbage collection cycle.", run: gc})
	register(command{name: "save", description: "Saves every dirty resident column.", run: save})
	register(command{name: "compact", description: "Packs the chunks that were left untouched long enough.", run: compact})
	register(command{name: "pin", usage: "<x,z[,dim]>", description: "Loads a column and keeps it loaded.", run: pin})
	register(command{name: "unpin", usage: "<x,z[,dim]>", description: "Stops keeping a column loaded.", run: unpin})
	register(command{name: "pinned", description: "Lists the pinned columns.", run: pinned})
	register(command{name: "request", usage: "<x,z[,dim]> [pass]", description: "Requests a column up to a pass.", run: request})
	register(command{name: "peek", usage: "<x,z[,dim]> [pass]", description: "Generates a column without keeping it.", run: peek})
}

func help(_ *Console, o *output, _ []string) error {
	names := make([]string, 0, len(commands))
	for name := range commands {
		names = append(names, name)
	}
	slices.Sort(names)
	for _, name := range names {
		cmd := commands[name]
		o.printf("%v %v - %v", name, cmd.usage, cmd.description)
	}
	return nil
}

func status(c *Console, o *output, _ []string) error {
	w := c.srv.World()
	if start := c.srv.StartTime(); !start.IsZero() {
		o.printf("Uptime: %s", time.Since(start).Round(time.Second))
	}
	s := w.Stats()
	o.printf("Clients: %d | Tick: %d", c.srv.Tracker().Len(), w.CurrentTick())
	if tps := w.TPS(); tps > 0 {
		o.printf("TPS (avg): %.2f / 20.00", tps)
	} else {
		o.print("TPS (avg): collecting samples...")
	}
	o.printf("Columns: %d resident, %d pinned | Chunks: %d (%d packed)", s.ResidentColumns, s.Pinned, s.ResidentChunks, s.PackedChunks)
	o.printf("Requests: %d (%d waiting) | Peeks: %d", s.Requested, s.Waiting, s.Peeking)
	o.printf("Pending writes: %d chunks, %d columns", s.PendingChunkWrites, s.PendingColumnWrites)
	m := s.Metrics
	o.printf("Passes: %d (%d failed, %d requeued) | Promotions: %d | Loads: %d | Evictions: %d", m.Passes, m.FailedPasses, m.Requeues, m.Promotions, m.Loads, m.Evictions)
	o.printf("Packs: %d | Flushes: %d (%d failed)", m.Packs, m.Flushes, m.FlushFailures)
	if light := c.srv.Lighting(); light != nil {
		lm := light.Metrics().Snapshot()
		o.printf("Light updates: %d pending, %d processed (%d coalesced) | Recomputed: %d", light.Pending(), lm.Updates, lm.Backpressure, lm.Recomputes)
	}
	if s.Halted {
		o.errorf("World halted after %d invariant violations.", m.Invariants)
	}

	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)
	lastGC := "never"
	if mem.LastGC != 0 {
		lastGC = fmt.Sprintf("%s ago", time.Since(time.Unix(0, int64(mem.LastGC))).Round(time.Second))
	}
	o.printf("Memory: %.2f MiB heap used / %.2f MiB reserved", bytesToMiB(mem.HeapAlloc), bytesToMiB(mem.HeapSys))
	o.printf("Goroutines: %d | GOMAXPROCS: %d | GC cycles: %d | Last GC: %s", runtime.NumGoroutine(), runtime.GOMAXPROCS(0), mem.NumGC, lastGC)
	return nil
}

func gc(c *Console, o *output, _ []string) error {
	w := c.srv.World()
	var before runtime.MemStats
	runtime.ReadMemStats(&before)
	columnsBefore := w.Stats().ResidentColumns

	stats := w.CollectGarbage()
	runtime.GC()

	var after runtime.MemStats
	runtime.ReadMemStats(&after)
	freed := uint64(0)
	if before.HeapAlloc > after.HeapAlloc {
		freed = before.HeapAlloc - after.HeapAlloc
	}
	o.print("---- Garbage collection result ----")
	o.printf("Columns unloaded: %d (now %d resident, %d before)", stats.Columns, w.Stats().ResidentColumns, columnsBefore)
	o.printf("Chunks unloaded: %d (%d written)", stats.Chunks, stats.Written)
	o.printf("Entities closed: %d | Block entities removed: %d", stats.Entities, stats.BlockEntities)
	o.printf("Heap memory freed: %.2f MiB (current heap %.2f MiB)", bytesToMiB(freed), bytesToMiB(after.HeapAlloc))
	return nil
}

func save(c *Console, o *output, _ []string) error {
	start := time.Now()
	if err := c.srv.World().Save(); err != nil {
		return err
	}
	o.printf("Saved world in %s.", time.Since(start).Round(time.Millisecond))
	return nil
}

func compact(c *Console, o *output, _ []string) error {
	o.printf("Packed %d chunks.", c.srv.World().Compact())
	return nil
}

func pin(c *Console, o *output, args []string) error {
	pos, err := columnArg(args, 1)
	if err != nil {
		return err
	}
	added, err := c.srv.Pin(pos)
	if err != nil {
		return err
	}
	if !added {
		o.printf("Column %v was already pinned.", pos)
		return nil
	}
	o.printf("Pinned column %v.", pos)
	return nil
}

func unpin(c *Console, o *output, args []string) error {
	pos, err := columnArg(args, 1)
	if err != nil {
		return err
	}
	removed, err := c.srv.Unpin(pos)
	if err != nil {
		return err
	}
	if !removed {
		o.printf("Column %v was not pinned.", pos)
		return nil
	}
	o.printf("Unpinned column %v.", pos)
	return nil
}

func pinned(c *Console, o *output, _ []string) error {
	cols := c.srv.Pinned()
	if len(cols) == 0 {
		o.print("No columns are pinned.")
		return nil
	}
	names := make([]string, len(cols))
	for i, pos := range cols {
		names[i] = server.FormatColumnPos(pos)
	}
	o.printf("Pinned columns (%d): %s", len(cols), strings.Join(names, " "))
	return nil
}

func request(c *Console, o *output, args []string) error {
	pos, err := columnArg(args, 2)
	if err != nil {
		return err
	}
	until, err := passArg(args)
	if err != nil {
		return err
	}
	log := c.log
	accepted := c.srv.World().RequestColumnWith(pos, world.LoadOptions{
		Until: until,
		OnLoaded: func(pos world.ColumnPos) {
			log.Info("Column loaded.", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "pass", until)
		},
	})
	if !accepted {
		return fmt.Errorf("column %v was not accepted", pos)
	}
	o.printf("Requested column %v up to %v.", pos, until)
	return nil
}

func peek(c *Console, o *output, args []string) error {
	pos, err := columnArg(args, 2)
	if err != nil {
		return err
	}
	until, err := passArg(args)
	if err != nil {
		return err
	}
	log := c.log
	accepted := c.srv.World().RequestPeek(pos, until, func(s world.Snapshot) {
		nonEmpty := 0
		for _, ch := range s.Chunks {
			if ch != nil && !ch.Empty() {
				nonEmpty++
			}
		}
		log.Info("Column peeked.", "X", pos.X, "Z", pos.Z, "dim", pos.Dim, "pass", s.Pass, "resident", s.Resident, "chunks", len(s.Chunks), "non-empty", nonEmpty)
	})
	if !accepted {
		return fmt.Errorf("peek of column %v was not accepted", pos)
	}
	o.printf("Peeking column %v up to %v.", pos, until)
	return nil
}

func columnArg(args []string, maxArgs int) (world.ColumnPos, error) {
	if len(args) == 0 || len(args) > maxArgs {
		return world.ColumnPos{}, errUsage
	}
	return server.ParseColumnPos(args[0])
}

func passArg(args []string) (world.Pass, error) {
	if len(args) < 2 {
		return world.PassDone, nil
	}
	p, ok := world.ParsePass(strings.ToLower(args[1]))
	if !ok {
		return 0, fmt.Errorf("unknown pass %q", args[1])
	}
	return p, nil
}

func bytesToMiB(v uint64) float64 {
	return float64(v) / (1024 * 1024)
}
