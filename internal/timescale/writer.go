package timescale

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/yuguogang/mock-exchange/internal/config"

	_ "github.com/jackc/pgx/v5/stdlib"
	"go.uber.org/zap"
)

const writeTimeout = 3 * time.Second

// SignalRow is one committed signal as it is charted downstream.
type SignalRow struct {
	Time      time.Time
	Strategy  string
	Type      string
	SessionID string
	Action    string
	SpreadPct float64
	Income    float64
	PnL       float64
	Veracity  string
}

// CycleRow summarizes one pipeline cycle.
type CycleRow struct {
	Time         time.Time
	Cycle        int64
	Rule         string
	SpreadState  string
	NewSignals   int
	Delivered    int
	SinkFailures int
	TotalIncome  float64
	DurationMS   int64
}

type Writer struct {
	db         *sql.DB
	log        *zap.Logger
	schema     string
	signals    chan SignalRow
	cycles     chan CycleRow
	started    atomic.Bool
	dropSignal atomic.Uint64
	dropCycle  atomic.Uint64
}

func New(cfg config.TimescaleConfig, log *zap.Logger) (*Writer, error) {
	if !cfg.Enabled {
		return nil, nil
	}
	dsn := strings.TrimSpace(cfg.DSN)
	if dsn == "" {
		return nil, errors.New("timescale dsn is required")
	}
	schema := strings.TrimSpace(cfg.Schema)
	if schema == "" {
		schema = "public"
	}
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	if cfg.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	writer := newWriter(db, schema, cfg.QueueSize, log)
	if err := writer.ensureSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return writer, nil
}

func newWriter(db *sql.DB, schema string, queueSize int, log *zap.Logger) *Writer {
	if queueSize <= 0 {
		queueSize = 256
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Writer{
		db:      db,
		log:     log,
		schema:  schema,
		signals: make(chan SignalRow, queueSize),
		cycles:  make(chan CycleRow, queueSize),
	}
}

func (w *Writer) Start(ctx context.Context) {
	if w == nil {
		return
	}
	if !w.started.CompareAndSwap(false, true) {
		return
	}
	go w.run(ctx)
}

func (w *Writer) Close() error {
	if w == nil || w.db == nil {
		return nil
	}
	return w.db.Close()
}

// EnqueueSignal never blocks the cycle; rows are dropped when the queue is
// full and the first drop is logged.
func (w *Writer) EnqueueSignal(row SignalRow) {
	if w == nil {
		return
	}
	select {
	case w.signals <- row:
	default:
		if w.dropSignal.Add(1) == 1 {
			w.log.Warn("timescale signal queue full")
		}
	}
}

func (w *Writer) EnqueueCycle(row CycleRow) {
	if w == nil {
		return
	}
	select {
	case w.cycles <- row:
	default:
		if w.dropCycle.Add(1) == 1 {
			w.log.Warn("timescale cycle queue full")
		}
	}
}

// Dropped returns how many signal and cycle rows were discarded.
func (w *Writer) Dropped() (uint64, uint64) {
	if w == nil {
		return 0, 0
	}
	return w.dropSignal.Load(), w.dropCycle.Load()
}

func (w *Writer) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case row := <-w.signals:
			w.writeSignal(ctx, row)
		case row := <-w.cycles:
			w.writeCycle(ctx, row)
		}
	}
}

func (w *Writer) ensureSchema(ctx context.Context) error {
	if w.db == nil {
		return errors.New("timescale db not initialized")
	}
	if w.schema != "public" {
		if err := w.exec(ctx, fmt.Sprintf("CREATE SCHEMA IF NOT EXISTS %s", w.schema)); err != nil {
			return err
		}
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		strategy TEXT NOT NULL,
		type TEXT NOT NULL,
		session_id TEXT NOT NULL,
		action TEXT NOT NULL DEFAULT '',
		spread_pct DOUBLE PRECISION NOT NULL DEFAULT 0,
		income DOUBLE PRECISION NOT NULL DEFAULT 0,
		pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
		veracity TEXT NOT NULL DEFAULT '',
		PRIMARY KEY (ts, strategy, type, session_id)
	)`, w.table("replay_signals"))); err != nil {
		return err
	}
	if err := w.exec(ctx, fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
		ts TIMESTAMPTZ NOT NULL,
		cycle BIGINT NOT NULL,
		rule TEXT NOT NULL,
		spread_state TEXT NOT NULL,
		new_signals INTEGER NOT NULL,
		delivered INTEGER NOT NULL,
		sink_failures INTEGER NOT NULL,
		total_income DOUBLE PRECISION NOT NULL,
		duration_ms BIGINT NOT NULL
	)`, w.table("replay_cycles"))); err != nil {
		return err
	}
	if err := w.exec(ctx, "CREATE EXTENSION IF NOT EXISTS timescaledb"); err != nil {
		w.log.Warn("timescale extension ensure failed", zap.Error(err))
		return nil
	}
	for _, name := range []string{"replay_signals", "replay_cycles"} {
		if err := w.exec(ctx, fmt.Sprintf("SELECT create_hypertable('%s', 'ts', if_not_exists => TRUE)", w.table(name))); err != nil {
			w.log.Warn("timescale hypertable create failed", zap.String("table", name), zap.Error(err))
		}
	}
	return nil
}

func (w *Writer) writeSignal(ctx context.Context, row SignalRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, strategy, type, session_id, action, spread_pct, income, pnl, veracity
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)
	ON CONFLICT (ts, strategy, type, session_id) DO NOTHING`, w.table("replay_signals"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Strategy,
		row.Type,
		row.SessionID,
		row.Action,
		row.SpreadPct,
		row.Income,
		row.PnL,
		row.Veracity,
	); err != nil {
		w.log.Warn("timescale signal insert failed", zap.Error(err))
	}
}

func (w *Writer) writeCycle(ctx context.Context, row CycleRow) {
	if w.db == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	query := fmt.Sprintf(`INSERT INTO %s (
		ts, cycle, rule, spread_state, new_signals, delivered, sink_failures, total_income, duration_ms
	) VALUES (
		$1,$2,$3,$4,$5,$6,$7,$8,$9
	)`, w.table("replay_cycles"))
	if _, err := w.db.ExecContext(ctx, query,
		row.Time,
		row.Cycle,
		row.Rule,
		row.SpreadState,
		row.NewSignals,
		row.Delivered,
		row.SinkFailures,
		row.TotalIncome,
		row.DurationMS,
	); err != nil {
		w.log.Warn("timescale cycle insert failed", zap.Error(err))
	}
}

func (w *Writer) exec(ctx context.Context, query string) error {
	ctx, cancel := context.WithTimeout(ctx, writeTimeout)
	defer cancel()
	_, err := w.db.ExecContext(ctx, query)
	return err
}

func (w *Writer) table(name string) string {
	return w.schema + "." + name
}
