// Package checkpointer implements the columnar checkpointer (C6): a
// schema-driven wrapper over pkg/writebuffer that turns per-attribute
// entity updates into single-row SQL upserts. The drain-on-trigger shape
// is adapted from the teacher's pkg/wal.Checkpointer (ticker-driven run
// loop, explicit Checkpoint() call, multiple trigger reasons),
// repointed at upserting dirty entities instead of truncating WAL
// segments.
package checkpointer

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/internal/metrics"
	"github.com/nainya/fsxengine/pkg/writebuffer"
)

// ColumnType identifies how a field serializes to SQL.
type ColumnType string

const (
	ColText     ColumnType = "text"
	ColInteger  ColumnType = "integer"
	ColReal     ColumnType = "real"
	ColBlob     ColumnType = "blob"
	ColJSON     ColumnType = "json"
	ColDatetime ColumnType = "datetime"
)

// Column describes one schema field.
type Column struct {
	Field      string // Go-side field name, used as the map key into Entity
	ColumnName string // defaults to snake_case(Field) if empty
	Type       ColumnType
	Required   bool
	Default    any
	Serialize  func(v any) (any, error)
	Deserialize func(v any) (any, error)
}

// Entity is a generic map of field name -> value, the checkpointer's
// entity representation.
type Entity map[string]any

// Schema declares one table's checkpoint mapping.
type Schema struct {
	Table           string
	PKField         string
	VersionField    string // optional
	CreatedAtField  string // optional
	UpdatedAtField  string // optional
	CheckpointedAtField string // optional
	Columns         []Column
}

func (sc Schema) columnName(c Column) string {
	if c.ColumnName != "" {
		return c.ColumnName
	}
	return toSnakeCase(c.Field)
}

func toSnakeCase(s string) string {
	var b strings.Builder
	for i, r := range s {
		if i > 0 && r >= 'A' && r <= 'Z' {
			b.WriteByte('_')
		}
		b.WriteRune(r)
	}
	return strings.ToLower(b.String())
}

// Trigger identifies why a checkpoint ran.
type Trigger string

const (
	TriggerCount     Trigger = "count"
	TriggerMemory    Trigger = "memory"
	TriggerInterval  Trigger = "interval"
	TriggerEviction  Trigger = "eviction"
	TriggerManual    Trigger = "manual"
)

// Result is returned by Checkpoint.
type Result struct {
	EntityCount int
	TotalBytes  int64
	DurationMs  int64
	Trigger     Trigger
}

// Policy configures automatic checkpoint triggers.
type Policy struct {
	CountThreshold int           // default 10
	MemoryRatio    float64       // default 0.8
	Interval       time.Duration // default 5s
}

func defaultPolicy() Policy {
	return Policy{CountThreshold: 10, MemoryRatio: 0.8, Interval: 5 * time.Second}
}

// Checkpointer drains a dirty-tracking write buffer into SQL upserts per
// a declared Schema.
type Checkpointer struct {
	db     *sql.DB
	schema Schema
	policy Policy
	buf    *writebuffer.Buffer[Entity]
	log    *logger.Logger
	metrics *metrics.Metrics

	mu            sync.Mutex
	lastCheckpoint time.Time
	stop          chan struct{}
	done          chan struct{}
}

// New builds a Checkpointer over db using schema, with the given
// write-buffer bounds (0 falls back to writebuffer defaults).
func New(db *sql.DB, schema Schema, policy Policy, maxCount, maxBytes int, log *logger.Logger, m *metrics.Metrics) *Checkpointer {
	if policy.CountThreshold == 0 {
		policy = defaultPolicy()
	}
	c := &Checkpointer{
		db:      db,
		schema:  schema,
		policy:  policy,
		buf:     writebuffer.New[Entity](maxCount, maxBytes, 0),
		log:     log.Component("checkpointer"),
		metrics: m,
	}
	c.buf.OnEvict = func(key string, value Entity, reason writebuffer.EvictReason) {
		if reason == writebuffer.ReasonCount || reason == writebuffer.ReasonSize {
			c.upsertOne(context.Background(), key, value)
		}
	}
	return c
}

// Get returns an entity by id, checking the cache first and falling back
// to a SELECT on miss.
func (c *Checkpointer) Get(ctx context.Context, id string) (Entity, bool, error) {
	if e, ok := c.buf.Get(id); ok {
		return e, true, nil
	}

	cols := c.schema.Columns
	names := make([]string, len(cols))
	for i, col := range cols {
		names[i] = c.schema.columnName(col)
	}

	query := fmt.Sprintf("SELECT %s FROM %s WHERE %s = ?", strings.Join(names, ", "), c.schema.Table, c.schema.PKField)
	row := c.db.QueryRowContext(ctx, query, id)

	dest := make([]any, len(cols))
	destPtrs := make([]any, len(cols))
	for i := range dest {
		destPtrs[i] = &dest[i]
	}
	if err := row.Scan(destPtrs...); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, err
	}

	e := make(Entity, len(cols)+1)
	e[c.schema.PKField] = id
	for i, col := range cols {
		e[col.Field] = dest[i]
	}

	c.buf.Set(id, e, writebuffer.Clean())
	return e, true, nil
}

// Create stamps timestamps/version (if configured) and stores entity as
// dirty.
func (c *Checkpointer) Create(id string, entity Entity) {
	now := time.Now()
	if c.schema.CreatedAtField != "" {
		entity[c.schema.CreatedAtField] = now
	}
	if c.schema.UpdatedAtField != "" {
		entity[c.schema.UpdatedAtField] = now
	}
	if c.schema.VersionField != "" {
		entity[c.schema.VersionField] = int64(1)
	}
	entity[c.schema.PKField] = id

	c.buf.Set(id, entity, writebuffer.Dirty())
	c.maybeAutoCheckpoint(context.Background())
}

// Update fetches, merges, stamps the change timestamp, bumps version,
// and stores as dirty.
func (c *Checkpointer) Update(ctx context.Context, id string, partial Entity) error {
	existing, ok, err := c.Get(ctx, id)
	if err != nil {
		return err
	}
	if !ok {
		existing = Entity{c.schema.PKField: id}
	}

	for k, v := range partial {
		existing[k] = v
	}

	if c.schema.UpdatedAtField != "" {
		existing[c.schema.UpdatedAtField] = time.Now()
	}
	if c.schema.VersionField != "" {
		v, _ := existing[c.schema.VersionField].(int64)
		existing[c.schema.VersionField] = v + 1
	}

	c.buf.Set(id, existing, writebuffer.Dirty())
	c.maybeAutoCheckpoint(ctx)
	return nil
}

// Delete removes the entity from cache and issues a DELETE.
func (c *Checkpointer) Delete(ctx context.Context, id string) error {
	c.buf.Delete(id)
	_, err := c.db.ExecContext(ctx, fmt.Sprintf("DELETE FROM %s WHERE %s = ?", c.schema.Table, c.schema.PKField), id)
	return err
}

func (c *Checkpointer) maybeAutoCheckpoint(ctx context.Context) {
	stats := c.buf.Stats()
	if stats.DirtyCount >= c.policy.CountThreshold {
		c.Checkpoint(ctx, TriggerCount)
		return
	}
	if stats.BytesRatio() >= c.policy.MemoryRatio {
		c.Checkpoint(ctx, TriggerMemory)
	}
}

// Checkpoint drains every dirty entity into an upsert, marking them
// clean. Returns the drain's statistics.
func (c *Checkpointer) Checkpoint(ctx context.Context, trigger Trigger) (Result, error) {
	start := time.Now()

	dirty := c.buf.GetDirtyEntries()
	if len(dirty) == 0 {
		return Result{Trigger: trigger}, nil
	}

	var totalBytes int64
	keys := make([]string, 0, len(dirty))
	for id, e := range dirty {
		if c.schema.CheckpointedAtField != "" {
			e[c.schema.CheckpointedAtField] = time.Now()
		}
		if err := c.upsertOne(ctx, id, e); err != nil {
			return Result{}, err
		}
		keys = append(keys, id)
		data, _ := json.Marshal(e)
		totalBytes += int64(len(data))
	}

	c.buf.MarkClean(keys)

	c.mu.Lock()
	c.lastCheckpoint = time.Now()
	c.mu.Unlock()

	dur := time.Since(start)
	if c.metrics != nil {
		c.metrics.RecordCheckpoint(string(trigger), dur, totalBytes)
	}
	c.log.LogCheckpoint(string(trigger), len(dirty), totalBytes, dur)

	return Result{EntityCount: len(dirty), TotalBytes: totalBytes, DurationMs: dur.Milliseconds(), Trigger: trigger}, nil
}

func (c *Checkpointer) upsertOne(ctx context.Context, id string, e Entity) error {
	cols := c.schema.Columns
	names := make([]string, 0, len(cols)+1)
	placeholders := make([]string, 0, len(cols)+1)
	args := make([]any, 0, len(cols)+1)
	updates := make([]string, 0, len(cols))

	names = append(names, c.schema.PKField)
	placeholders = append(placeholders, "?")
	args = append(args, id)

	for _, col := range cols {
		name := c.schema.columnName(col)
		names = append(names, name)
		placeholders = append(placeholders, "?")

		val := e[col.Field]
		if col.Type == ColJSON {
			data, err := json.Marshal(val)
			if err != nil {
				return err
			}
			val = string(data)
		} else if col.Type == ColDatetime {
			if t, ok := val.(time.Time); ok {
				val = t.Unix()
			}
		}
		args = append(args, val)
		updates = append(updates, fmt.Sprintf("%s = excluded.%s", name, name))
	}

	query := fmt.Sprintf(
		"INSERT INTO %s (%s) VALUES (%s) ON CONFLICT(%s) DO UPDATE SET %s",
		c.schema.Table, strings.Join(names, ", "), strings.Join(placeholders, ", "),
		c.schema.PKField, strings.Join(updates, ", "))

	_, err := c.db.ExecContext(ctx, query, args...)
	return err
}

// StartIntervalTrigger runs a ticker-driven loop that checkpoints when
// there is at least one dirty entry and the interval has elapsed, the
// same shape as the teacher's wal.Checkpointer run loop.
func (c *Checkpointer) StartIntervalTrigger() {
	c.mu.Lock()
	if c.stop != nil {
		c.mu.Unlock()
		return
	}
	c.stop = make(chan struct{})
	c.done = make(chan struct{})
	c.mu.Unlock()

	go c.runIntervalLoop()
}

func (c *Checkpointer) runIntervalLoop() {
	defer close(c.done)

	ticker := time.NewTicker(c.policy.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.mu.Lock()
			elapsed := time.Since(c.lastCheckpoint) >= c.policy.Interval
			c.mu.Unlock()
			if c.buf.Stats().DirtyCount > 0 && elapsed {
				c.Checkpoint(context.Background(), TriggerInterval)
			}
		case <-c.stop:
			return
		}
	}
}

// Stop terminates the interval trigger loop, if running.
func (c *Checkpointer) Stop() {
	c.mu.Lock()
	stop := c.stop
	done := c.done
	c.mu.Unlock()
	if stop == nil {
		return
	}
	close(stop)
	<-done
}
