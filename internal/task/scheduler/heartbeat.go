package scheduler

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"aide/internal/eventbus"
	"aide/internal/storage"
	"aide/internal/task/engine"
	logx "aide/pkg/logx"
)

// HeartbeatConfig controls the periodic status prompt. The heartbeat runs on
// its own interval, independent of the job table.
type HeartbeatConfig struct {
	// Interval between heartbeat runs. Default 5m.
	Interval time.Duration
	// Prompt sent to the worker each beat.
	Prompt string
	// DedupWindow suppresses a result identical to one already delivered
	// within this window. Default 24h.
	DedupWindow time.Duration
	// ActiveHours restricts delivery to a local-time window, "HH:MM-HH:MM".
	// Zero value means always active.
	ActiveFrom, ActiveTo time.Duration

	// OnDeliver, when set, is called for each result that passes the gate.
	// It runs on the heartbeat goroutine and must not block for long.
	OnDeliver func(ctx context.Context, ev HeartbeatEvent)
}

// HeartbeatEvent is the bus payload for delivered heartbeat results.
type HeartbeatEvent struct {
	At   time.Time
	Text string
}

// DeliveryGate decides whether a heartbeat result should be surfaced.
// Implemented by the dedup gate below; the zero interface (nil) delivers
// everything.
type DeliveryGate interface {
	ShouldDeliver(ctx context.Context, text string, now time.Time) bool
	MarkDelivered(ctx context.Context, text string, now time.Time)
}

// Heartbeat periodically asks the worker for a status update and publishes
// the answer, suppressing unchanged results via the delivery gate.
type Heartbeat struct {
	cfg  HeartbeatConfig
	exec Executor
	gate DeliveryGate
	log  logx.Logger
	bus  eventbus.Bus
	loc  *time.Location

	now func() time.Time
}

func NewHeartbeat(cfg HeartbeatConfig, exec Executor, gate DeliveryGate, log logx.Logger, bus eventbus.Bus, loc *time.Location) *Heartbeat {
	if cfg.Interval <= 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 24 * time.Hour
	}
	if cfg.Prompt == "" {
		cfg.Prompt = "Report anything that needs my attention. Reply HEARTBEAT_OK if nothing does."
	}
	if loc == nil {
		loc = time.Local
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Heartbeat{
		cfg:  cfg,
		exec: exec,
		gate: gate,
		log:  log.With(logx.String("component", "heartbeat")),
		bus:  bus,
		loc:  loc,
		now:  time.Now,
	}
}

// Run drives the heartbeat loop until ctx is cancelled.
func (h *Heartbeat) Run(ctx context.Context) error {
	tkr := time.NewTicker(h.cfg.Interval)
	defer tkr.Stop()

	h.log.Info("heartbeat started", logx.Duration("interval", h.cfg.Interval))
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-tkr.C:
			h.Beat(ctx)
		}
	}
}

// Beat runs one heartbeat cycle. Exposed separately so ad-hoc triggers and
// tests can drive it without the ticker.
func (h *Heartbeat) Beat(ctx context.Context) {
	now := h.now().In(h.loc)
	if !h.withinActiveHours(now) {
		h.log.Debug("heartbeat outside active hours")
		return
	}

	res := h.exec.Execute(ctx, engine.TaskRequest{ID: heartbeatTaskID, Prompt: h.cfg.Prompt})
	if !res.OK {
		h.log.Warn("heartbeat failed", logx.Int("attempts", res.Attempts), logx.String("err", res.Error))
		return
	}

	text := strings.TrimSpace(res.Text)
	if h.gate != nil && !h.gate.ShouldDeliver(ctx, text, now) {
		h.log.Debug("heartbeat suppressed, unchanged result")
		if h.bus != nil {
			h.bus.Publish(eventbus.Event{Type: eventbus.TopicHeartbeatDeduped, Time: now})
		}
		return
	}
	if h.gate != nil {
		h.gate.MarkDelivered(ctx, text, now)
	}
	h.log.Info("heartbeat delivered", logx.Int("attempts", res.Attempts))
	ev := HeartbeatEvent{At: now, Text: text}
	if h.bus != nil {
		h.bus.Publish(eventbus.Event{Type: eventbus.TopicHeartbeatDelivered, Time: now, Data: ev})
	}
	if h.cfg.OnDeliver != nil {
		h.cfg.OnDeliver(ctx, ev)
	}
}

func (h *Heartbeat) withinActiveHours(now time.Time) bool {
	from, to := h.cfg.ActiveFrom, h.cfg.ActiveTo
	if from == 0 && to == 0 {
		return true
	}
	day := time.Duration(now.Hour())*time.Hour + time.Duration(now.Minute())*time.Minute
	if from <= to {
		return day >= from && day < to
	}
	// Window wraps midnight, e.g. 22:00-06:00.
	return day >= from || day < to
}

// ParseActiveHours parses "HH:MM-HH:MM" into offsets from midnight.
func ParseActiveHours(s string) (from, to time.Duration, err error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return 0, 0, nil
	}
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("invalid active hours %q (want HH:MM-HH:MM)", s)
	}
	from, err = parseHHMM(parts[0])
	if err != nil {
		return 0, 0, err
	}
	to, err = parseHHMM(parts[1])
	if err != nil {
		return 0, 0, err
	}
	return from, to, nil
}

const heartbeatTaskID = "heartbeat"

// dedupGate suppresses results identical to one delivered inside the
// trailing window, keyed by a content hash in the store.
type dedupGate struct {
	store  storage.Store
	window time.Duration
	log    logx.Logger
}

// NewDedupGate builds the storage-backed delivery gate. A nil store yields a
// nil gate, which delivers everything.
func NewDedupGate(store storage.Store, window time.Duration, log logx.Logger) DeliveryGate {
	if store == nil {
		return nil
	}
	if window <= 0 {
		window = 24 * time.Hour
	}
	if log.IsZero() {
		log = logx.Nop()
	}
	return &dedupGate{store: store, window: window, log: log}
}

func (g *dedupGate) ShouldDeliver(ctx context.Context, text string, now time.Time) bool {
	until, ok, err := g.store.GetDedup(ctx, dedupKey(text))
	if err != nil {
		// Storage trouble must not silence the heartbeat.
		g.log.Warn("dedup read failed", logx.Err(err))
		return true
	}
	return !ok || now.After(until)
}

func (g *dedupGate) MarkDelivered(ctx context.Context, text string, now time.Time) {
	if err := g.store.PutDedup(ctx, dedupKey(text), now.Add(g.window)); err != nil {
		g.log.Warn("dedup write failed", logx.Err(err))
	}
}

func dedupKey(text string) string {
	sum := sha256.Sum256([]byte(strings.TrimSpace(text)))
	return "hb:" + hex.EncodeToString(sum[:8])
}
