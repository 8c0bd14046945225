package world

import (
	"math"
	"time"
)

const (
	tpsSampleSize       = 20
	tpsWarningThreshold = 19.0
)

// Tick advances the World by one tick. The tick counter drives the pack TTL
// of chunks. If Config.SyncGeneration is set, up to Config.SyncBudget
// requests are generated on the calling goroutine.
func (w *World) Tick() {
	w.tick.Add(1)
	if !w.conf.SyncGeneration || w.closed.Load() {
		return
	}
	w.tickMu.Lock()
	defer w.tickMu.Unlock()
	for range w.conf.SyncBudget {
		if !w.runNext(w.syncCache) {
			return
		}
	}
}

// TPS returns the amount of ticks per second measured by the tick loop. It is
// 0 if Config.TickInterval is negative.
func (w *World) TPS() float64 {
	return math.Float64frombits(w.tps.Load())
}

// startBackground starts the background loops of the World. Loops with a
// negative interval are not started.
func (w *World) startBackground() {
	w.every(w.conf.TickInterval, w.tickLoop)
	w.every(w.conf.UnloadInterval, func(tc *time.Ticker) { w.loop(tc, func() { w.sweep(false) }) })
	w.every(w.conf.PackInterval, func(tc *time.Ticker) { w.loop(tc, func() { w.compact() }) })
	w.every(w.conf.FlushInterval, func(tc *time.Ticker) { w.loop(tc, func() { _ = w.wb.flush() }) })
	w.every(w.conf.SaveInterval, func(tc *time.Ticker) {
		w.loop(tc, func() {
			if err := w.Save(); err != nil {
				w.conf.Log.Error("autosave", "error", err)
			}
		})
	})
}

func (w *World) every(interval time.Duration, run func(tc *time.Ticker)) {
	if interval <= 0 {
		return
	}
	w.running.Add(1)
	go func() {
		defer w.running.Done()
		tc := time.NewTicker(interval)
		defer tc.Stop()
		run(tc)
	}()
}

// loop calls f on every tick of tc until the World closes.
func (w *World) loop(tc *time.Ticker, f func()) {
	for {
		select {
		case <-tc.C:
			f()
		case <-w.closing:
			return
		}
	}
}

// tickLoop calls Tick on every tick of tc until the World closes, measuring
// the amount of ticks per second achieved.
func (w *World) tickLoop(tc *time.Ticker) {
	lastTick := time.Now()
	var (
		durationSum time.Duration
		ticksCount  int
		warned      bool
	)
	for {
		select {
		case <-tc.C:
			tickStart := time.Now()
			duration := tickStart.Sub(lastTick)
			lastTick = tickStart
			if duration > 0 {
				durationSum += duration
				ticksCount++
				if ticksCount >= tpsSampleSize {
					tps := 1.0 / (durationSum / time.Duration(ticksCount)).Seconds()
					w.tps.Store(math.Float64bits(tps))
					if tps < tpsWarningThreshold && !warned {
						w.conf.Log.Warn("TPS dropped below threshold.", "tps", tps)
						warned = true
					} else if tps >= tpsWarningThreshold {
						warned = false
					}
					durationSum, ticksCount = 0, 0
				}
			}
			w.Tick()
		case <-w.closing:
			return
		}
	}
}
