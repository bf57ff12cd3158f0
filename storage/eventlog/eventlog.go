package eventlog

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"loanescrow/core/events"
	"loanescrow/core/types"
)

// Supported drivers.
const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

const defaultListLimit = 100

var errUnknownDriver = errors.New("eventlog: unknown driver")

// Record is the persisted form of an escrow event.
type Record struct {
	ID         uint64    `gorm:"primaryKey;autoIncrement"`
	EventID    string    `gorm:"type:varchar(36);uniqueIndex"`
	Escrow     string    `gorm:"index"`
	Type       string    `gorm:"index"`
	Attributes string    `gorm:"type:text"`
	CreatedAt  time.Time `gorm:"index"`
}

// TableName pins the table name across drivers.
func (Record) TableName() string { return "loan_events" }

// Entry is a decoded event log row.
type Entry struct {
	ID         uint64            `json:"id"`
	EventID    string            `json:"eventId"`
	Escrow     string            `json:"escrow"`
	Type       string            `json:"type"`
	Attributes map[string]string `json:"attributes"`
	CreatedAt  time.Time         `json:"createdAt"`
}

// Log indexes emitted escrow events in a SQL database.
type Log struct {
	db     *gorm.DB
	logger *slog.Logger
	nowFn  func() time.Time
}

// Open connects to the database and migrates the schema.
func Open(driver, dsn string) (*Log, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(strings.TrimSpace(driver)) {
	case DriverSQLite, "":
		dialector = sqlite.Open(dsn)
	case DriverPostgres:
		dialector = postgres.Open(dsn)
	default:
		return nil, fmt.Errorf("%w: %q", errUnknownDriver, driver)
	}
	db, err := gorm.Open(dialector, &gorm.Config{Logger: logger.Default.LogMode(logger.Silent)})
	if err != nil {
		return nil, fmt.Errorf("eventlog: open %s: %w", driver, err)
	}
	return New(db)
}

// New wraps an existing connection and migrates the schema.
func New(db *gorm.DB) (*Log, error) {
	if err := db.AutoMigrate(&Record{}); err != nil {
		return nil, fmt.Errorf("eventlog: migrate: %w", err)
	}
	return &Log{db: db, logger: slog.Default(), nowFn: time.Now}, nil
}

// SetLogger configures the logger used for failures while emitting.
func (l *Log) SetLogger(logger *slog.Logger) {
	if logger != nil {
		l.logger = logger
	}
}

// Record stores evt. Events without an escrow attribute are stored with an
// empty escrow column.
func (l *Log) Record(evt *types.Event) error {
	if evt == nil {
		return nil
	}
	attrs, err := json.Marshal(evt.Attributes)
	if err != nil {
		return fmt.Errorf("eventlog: encode attributes: %w", err)
	}
	row := Record{
		EventID:    uuid.NewString(),
		Escrow:     evt.Attributes["escrow"],
		Type:       evt.Type,
		Attributes: string(attrs),
		CreatedAt:  l.nowFn().UTC(),
	}
	if err := l.db.Create(&row).Error; err != nil {
		return fmt.Errorf("eventlog: insert: %w", err)
	}
	return nil
}

// List returns events in insertion order. An empty escrow lists every
// escrow. A non-positive limit falls back to the default page size.
func (l *Log) List(escrow string, limit int) ([]Entry, error) {
	if limit <= 0 {
		limit = defaultListLimit
	}
	query := l.db.Model(&Record{}).Order("id asc").Limit(limit)
	if escrow != "" {
		query = query.Where("escrow = ?", escrow)
	}
	var rows []Record
	if err := query.Find(&rows).Error; err != nil {
		return nil, fmt.Errorf("eventlog: list: %w", err)
	}
	entries := make([]Entry, 0, len(rows))
	for _, row := range rows {
		attrs := map[string]string{}
		if row.Attributes != "" {
			if err := json.Unmarshal([]byte(row.Attributes), &attrs); err != nil {
				return nil, fmt.Errorf("eventlog: decode row %d: %w", row.ID, err)
			}
		}
		entries = append(entries, Entry{
			ID:         row.ID,
			EventID:    row.EventID,
			Escrow:     row.Escrow,
			Type:       row.Type,
			Attributes: attrs,
			CreatedAt:  row.CreatedAt,
		})
	}
	return entries, nil
}

// Emit implements events.Emitter. Storage failures are logged; the escrow
// transition has already been committed.
func (l *Log) Emit(evt events.Event) {
	typed, ok := evt.(events.Typed)
	if !ok {
		return
	}
	if err := l.Record(typed.Event()); err != nil {
		l.logger.Error("event log write failed", slog.String("type", evt.EventType()), slog.Any("error", err))
	}
}

// Close releases the underlying connection pool.
func (l *Log) Close() error {
	sqlDB, err := l.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
