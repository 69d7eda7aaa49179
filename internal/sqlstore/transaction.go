package sqlstore

import (
	"context"
	"crypto/rand"
	"database/sql"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/nainya/fsxengine/internal/fsxerr"
	"github.com/nainya/fsxengine/internal/logger"
	"github.com/nainya/fsxengine/pkg/txlog"
)

// EventHook is invoked on transaction lifecycle events; a panic in the
// hook is recovered and swallowed by fire().
type EventHook func(evt txlog.EventType, txID [16]byte, depth int, reason string)

// DefaultMaxLogEntries bounds the in-memory transaction event log.
const DefaultMaxLogEntries = 100

// RetryPolicy configures Transaction's retry-with-backoff behavior.
type RetryPolicy struct {
	MaxRetries   int
	RetryDelay   time.Duration
	IsRetryable  func(err error) bool
	Timeout      time.Duration
}

// DefaultRetryPolicy matches the reference predicate: retryable errors
// carry one of a handful of sqlite busy/locking substrings.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxRetries:  3,
		RetryDelay:  10 * time.Millisecond,
		IsRetryable: defaultIsRetryable,
	}
}

func defaultIsRetryable(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	for _, sub := range []string{"SQLITE_BUSY", "database is locked", "cannot start a transaction within a transaction"} {
		if strings.Contains(msg, sub) {
			return true
		}
	}
	return fsxerr.Is(err, fsxerr.RetryableBusy)
}

// Manager wraps a *sql.DB with nested-transaction and retry support,
// appending a bounded in-memory log of lifecycle events and optionally
// mirroring them to a durable pkg/txlog.Log.
type Manager struct {
	DB     *sql.DB
	Log    *logger.Logger
	TxLog  *txlog.Log // optional durable mirror
	OnEvent EventHook

	mu          sync.Mutex
	depth       int
	txID        [16]byte
	startedAt   time.Time
	opCounter   int
	spCounter   int
	records     []LogRecord
	maxLogSize  int
}

// LogRecord is one entry in the bounded transaction event log.
type LogRecord struct {
	TxID      [16]byte
	Event     txlog.EventType
	Depth     int
	Reason    string
	Timestamp time.Time
}

// NewManager builds a Manager over db with the default log bound.
func NewManager(db *sql.DB, log *logger.Logger) *Manager {
	return &Manager{DB: db, Log: log, maxLogSize: DefaultMaxLogEntries}
}

// IsInTransaction reports whether a transaction is currently open.
func (m *Manager) IsInTransaction() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth > 0
}

// TransactionDepth returns the current nesting depth (0 when none open).
func (m *Manager) TransactionDepth() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.depth
}

// RecoverTransactions clears local transaction state, assuming the
// underlying connection already discarded any uncommitted work.
func (m *Manager) RecoverTransactions() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.depth = 0
	m.txID = [16]byte{}
	m.spCounter = 0
}

func newTxID() [16]byte {
	var id [16]byte
	rand.Read(id[:])
	return id
}

func (m *Manager) fire(evt txlog.EventType, depth int, reason string) {
	m.mu.Lock()
	m.records = append(m.records, LogRecord{TxID: m.txID, Event: evt, Depth: depth, Reason: reason, Timestamp: time.Now()})
	if len(m.records) > m.maxLogSize {
		m.records = m.records[len(m.records)-m.maxLogSize:]
	}
	hook := m.OnEvent
	txID := m.txID
	txLogSink := m.TxLog
	m.mu.Unlock()

	if txLogSink != nil {
		func() {
			defer func() { recover() }()
			txLogSink.Write(txlog.Event{LSN: txLogSink.NextLSN(), TxID: txID, Type: evt, Depth: depth, Reason: reason, Timestamp: time.Now()})
		}()
	}

	if hook != nil {
		func() {
			defer func() { recover() }()
			hook(evt, txID, depth, reason)
		}()
	}
}

// Records returns a copy of the bounded transaction event log.
func (m *Manager) Records() []LogRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]LogRecord, len(m.records))
	copy(out, m.records)
	return out
}

// Transact runs fn within a transaction, nesting via SAVEPOINT when a
// transaction is already open, retrying on retryable failures per
// policy. fn receives an *sql.Tx-like Execer bound to the current
// transaction scope.
func (m *Manager) Transact(ctx context.Context, policy RetryPolicy, fn func(q Queryer) error) error {
	if policy.IsRetryable == nil {
		policy.IsRetryable = defaultIsRetryable
	}
	if policy.MaxRetries == 0 {
		policy.MaxRetries = DefaultRetryPolicy().MaxRetries
	}
	if policy.RetryDelay == 0 {
		policy.RetryDelay = DefaultRetryPolicy().RetryDelay
	}

	var lastErr error
	for attempt := 0; attempt <= policy.MaxRetries; attempt++ {
		if attempt > 0 {
			delay := time.Duration(float64(policy.RetryDelay) * math.Pow(2, float64(attempt-1)))
			m.fire(txlog.EventRetry, m.TransactionDepth(), lastErr.Error())
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}

		err := m.runOnce(ctx, policy.Timeout, fn)
		if err == nil {
			return nil
		}
		lastErr = err
		if !policy.IsRetryable(err) {
			return err
		}
	}
	return lastErr
}

func (m *Manager) runOnce(ctx context.Context, timeout time.Duration, fn func(q Queryer) error) error {
	m.mu.Lock()
	top := m.depth == 0
	if top {
		m.txID = newTxID()
		m.startedAt = time.Now()
	}
	m.depth++
	depth := m.depth
	m.mu.Unlock()

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	if top {
		m.fire(txlog.EventBegin, depth, "")
	}

	q, done, err := m.begin(ctx, top, depth)
	if err != nil {
		m.mu.Lock()
		m.depth--
		m.mu.Unlock()
		return err
	}

	runErr := func() (err error) {
		defer func() {
			if r := recover(); r != nil {
				err = fmt.Errorf("sqlstore: panic in transaction: %v", r)
			}
		}()
		return fn(q)
	}()

	m.mu.Lock()
	m.opCounter++
	m.mu.Unlock()
	m.fire(txlog.EventOperation, depth, "")

	if runErr != nil {
		done(false)
		m.mu.Lock()
		m.depth--
		if top {
			m.spCounter = 0
		}
		m.mu.Unlock()
		m.fire(txlog.EventRollback, depth, runErr.Error())

		if ctx.Err() == context.DeadlineExceeded {
			m.fire(txlog.EventTimeout, depth, "")
		}
		return runErr
	}

	done(true)
	m.mu.Lock()
	m.depth--
	if top {
		m.spCounter = 0
	}
	m.mu.Unlock()
	m.fire(txlog.EventCommit, depth, "")
	return nil
}

// Queryer is the subset of *sql.DB/*sql.Tx needed by store operations.
type Queryer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// activeTx tracks the single *sql.Tx shared by every nesting level of one
// top-level transaction; savepoints give nested levels partial rollback
// without opening new driver-level transactions.
type activeTx struct {
	tx *sql.Tx
}

var txMu sync.Mutex
var current map[*Manager]*activeTx = make(map[*Manager]*activeTx)

func (m *Manager) begin(ctx context.Context, top bool, depth int) (Queryer, func(commit bool), error) {
	if top {
		tx, err := m.DB.BeginTx(ctx, nil)
		if err != nil {
			return nil, nil, fsxerr.Wrap(fsxerr.RetryableBusy, "sqlstore: begin: %v", err)
		}
		txMu.Lock()
		current[m] = &activeTx{tx: tx}
		txMu.Unlock()

		return tx, func(commit bool) {
			if commit {
				tx.Commit()
			} else {
				tx.Rollback()
			}
			txMu.Lock()
			delete(current, m)
			txMu.Unlock()
		}, nil
	}

	txMu.Lock()
	at, ok := current[m]
	txMu.Unlock()
	if !ok {
		return nil, nil, fsxerr.Wrap(fsxerr.NoTransaction, "sqlstore: no active transaction for savepoint")
	}

	m.mu.Lock()
	m.spCounter++
	sp := fmt.Sprintf("sp_%d", m.spCounter)
	m.mu.Unlock()

	if _, err := at.tx.ExecContext(ctx, "SAVEPOINT "+sp); err != nil {
		return nil, nil, err
	}

	return at.tx, func(commit bool) {
		if commit {
			at.tx.ExecContext(ctx, "RELEASE SAVEPOINT "+sp)
		} else {
			at.tx.ExecContext(ctx, "ROLLBACK TO SAVEPOINT "+sp)
		}
	}, nil
}
