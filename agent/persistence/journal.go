package persistence

import (
	"context"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"go.uber.org/zap"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/BaSui01/a2aflow/internal/database"
)

// journalWriteAttempts bounds retries of one journal insert on transient
// driver errors.
const journalWriteAttempts = 3

// JournalConfig selects the SQL database backing the transition journal.
type JournalConfig struct {
	// Driver is one of sqlite, postgres, mysql
	Driver string `json:"driver" yaml:"driver"`

	// DSN is passed to the driver unchanged. For sqlite it is a file path
	// or ":memory:".
	DSN string `json:"dsn" yaml:"dsn"`

	// Pool tunes the connection pool. sqlite always uses one connection.
	Pool database.PoolConfig `json:"pool" yaml:"pool"`
}

// TransitionEntry is one row of the transition journal.
type TransitionEntry struct {
	ID           uint      `gorm:"primaryKey" json:"id"`
	AgentID      string    `gorm:"size:128;not null;index:idx_journal_task" json:"agent_id"`
	TaskID       string    `gorm:"size:128;not null;index:idx_journal_task" json:"task_id"`
	FromState    string    `gorm:"size:16;not null" json:"from_state"`
	ToState      string    `gorm:"size:16;not null;index" json:"to_state"`
	Version      int64     `gorm:"not null" json:"version"`
	ErrorCode    string    `gorm:"size:64" json:"error_code,omitempty"`
	ErrorMessage string    `gorm:"type:text" json:"error_message,omitempty"`
	Notice       string    `gorm:"size:255" json:"notice,omitempty"`
	OccurredAt   time.Time `gorm:"not null" json:"occurred_at"`
}

// TableName 指定日志表名
func (TransitionEntry) TableName() string {
	return "task_transitions"
}

// GormJournal records task transitions in a SQL table. It is an audit
// mirror and is never read back to restore task state.
type GormJournal struct {
	db     *gorm.DB
	pool   *database.PoolManager
	logger *zap.Logger
}

// OpenJournalDB opens the journal database for the configured driver.
func OpenJournalDB(cfg JournalConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "sqlite", "":
		dsn := cfg.DSN
		if dsn == "" {
			dsn = ":memory:"
		}
		dialector = sqlite.Open(dsn)
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "mysql":
		dialector = mysql.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported journal driver: %s (supported: sqlite, postgres, mysql)", cfg.Driver)
	}

	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("failed to connect journal database: %w", err)
	}
	if _, ok := dialector.(*sqlite.Dialector); ok {
		// sqlite allows one writer; ":memory:" databases are per connection.
		sqlDB, err := db.DB()
		if err != nil {
			return nil, err
		}
		sqlDB.SetMaxOpenConns(1)
	}
	return db, nil
}

// OpenJournal opens the configured database, applies the pool settings and
// migrates the journal table.
func OpenJournal(cfg JournalConfig, log *zap.Logger) (*GormJournal, error) {
	db, err := OpenJournalDB(cfg)
	if err != nil {
		return nil, err
	}
	poolCfg := cfg.Pool
	if _, ok := db.Dialector.(*sqlite.Dialector); ok {
		poolCfg.MaxOpenConns = 1
	}
	pool, err := database.NewPoolManager(db, poolCfg, log)
	if err != nil {
		return nil, err
	}
	j, err := newGormJournal(pool, log)
	if err != nil {
		_ = pool.Close()
		return nil, err
	}
	return j, nil
}

// NewGormJournal migrates the journal table on an already opened db and
// returns the journal. The pool settings of db are left unchanged.
func NewGormJournal(db *gorm.DB, log *zap.Logger) (*GormJournal, error) {
	if db == nil {
		return nil, fmt.Errorf("db cannot be nil")
	}
	pool, err := database.NewPoolManager(db, database.PoolConfig{}, log)
	if err != nil {
		return nil, err
	}
	return newGormJournal(pool, log)
}

func newGormJournal(pool *database.PoolManager, log *zap.Logger) (*GormJournal, error) {
	if log == nil {
		log = zap.NewNop()
	}
	if err := pool.DB().AutoMigrate(&TransitionEntry{}); err != nil {
		return nil, fmt.Errorf("failed to migrate journal: %w", err)
	}
	return &GormJournal{
		db:     pool.DB(),
		pool:   pool,
		logger: log.With(zap.String("component", "transition_journal")),
	}, nil
}

// Record appends one transition.
func (j *GormJournal) Record(ctx context.Context, t Transition) error {
	entry := TransitionEntry{
		AgentID:    t.AgentID,
		TaskID:     t.TaskID,
		FromState:  string(t.From),
		ToState:    string(t.To),
		Version:    t.Version,
		Notice:     t.Notice,
		OccurredAt: t.At,
	}
	if entry.OccurredAt.IsZero() {
		entry.OccurredAt = time.Now()
	}
	if t.Error != nil {
		entry.ErrorCode = string(t.Error.Code)
		entry.ErrorMessage = t.Error.Message
	}
	return j.pool.WithTransactionRetry(ctx, journalWriteAttempts, func(tx *gorm.DB) error {
		return tx.Create(&entry).Error
	})
}

// OnTransition implements TransitionObserver. Write failures are logged.
func (j *GormJournal) OnTransition(ctx context.Context, t Transition) {
	if err := j.Record(context.WithoutCancel(ctx), t); err != nil {
		j.logger.Warn("failed to journal transition",
			zap.String("task_id", t.TaskID),
			zap.String("agent_id", t.AgentID),
			zap.Error(err))
	}
}

// History returns the transitions of one task in commit order.
func (j *GormJournal) History(ctx context.Context, agentID, taskID string) ([]TransitionEntry, error) {
	var entries []TransitionEntry
	err := j.db.WithContext(ctx).
		Where("agent_id = ? AND task_id = ?", agentID, taskID).
		Order("version ASC, id ASC").
		Find(&entries).Error
	if err != nil {
		return nil, err
	}
	return entries, nil
}

// Count returns the number of journaled transitions.
func (j *GormJournal) Count(ctx context.Context) (int64, error) {
	var n int64
	err := j.db.WithContext(ctx).Model(&TransitionEntry{}).Count(&n).Error
	return n, err
}

// Ping checks the database connection.
func (j *GormJournal) Ping(ctx context.Context) error {
	return j.pool.Ping(ctx)
}

// Stats returns connection pool statistics.
func (j *GormJournal) Stats() database.PoolStats {
	return j.pool.Stats()
}

// Close closes the underlying connection pool. It is idempotent.
func (j *GormJournal) Close() error {
	return j.pool.Close()
}
