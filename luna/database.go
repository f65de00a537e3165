package luna

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/lmittmann/tint"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

var (
	sqliteMaxOpenConns    = 1
	sqliteMaxIdleConns    = 1
	sqliteMaxConnLifetime = 5 * time.Minute
	sqliteExecPragma      = []string{
		"pragma journal_mode=WAL;",
		"pragma synchronous = normal;",
		"pragma temp_store = memory;",
	}
)

// ModelUnixTime is an embeddable model with a millisecond Unix
// creation timestamp.
type ModelUnixTime struct {
	CreatedAt int64 `gorm:"autoCreateTime:milli" json:"created_at,omitempty"`
}

// GenerationLog is an audit row for one remote generation attempt
// (chat completion or image fetch), recorded whether it succeeded or
// failed. Mirrors what the bot sent, which key slot it used, and how
// the attempt was classified on failure.
//
//nolint:lll // struct tags can't be split
type GenerationLog struct {
	ID uint `gorm:"primaryKey" json:"id"`
	ModelUnixTime

	UserID       string `json:"user_id" gorm:"index;type:string"`
	Kind         string `json:"kind" gorm:"type:string"`
	Prompt       string `json:"prompt" gorm:"type:string"`
	Response     string `json:"response" gorm:"type:string"`
	SlotIndex    int    `json:"slot_index"`
	FailureClass string `json:"failure_class" gorm:"type:string"`
	Error        string `json:"error" gorm:"type:string"`
	DurationMS   int64  `json:"duration_ms"`
}

func (GenerationLog) TableName() string {
	return "generation_log"
}

// auditTextLimit caps the prompt/response text stored per audit row.
const auditTextLimit = 4000

// newDatabase opens the sqlite audit database and migrates the
// generation log table.
func newDatabase(
	path string,
	handler slog.Handler,
	slowThreshold time.Duration,
) (*gorm.DB, error) {
	db, err := gorm.Open(
		sqlite.Open(path), &gorm.Config{
			Logger: newGORMLogger(handler, slowThreshold),
		},
	)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("error getting database handle: %w", err)
	}
	sqlDB.SetMaxOpenConns(sqliteMaxOpenConns)
	sqlDB.SetMaxIdleConns(sqliteMaxIdleConns)
	sqlDB.SetConnMaxLifetime(sqliteMaxConnLifetime)

	for _, pragma := range sqliteExecPragma {
		if err = db.Exec(pragma).Error; err != nil {
			return nil, fmt.Errorf("error setting pragma %q: %w", pragma, err)
		}
	}

	if err = db.AutoMigrate(&GenerationLog{}); err != nil {
		return nil, fmt.Errorf("error migrating database: %w", err)
	}
	return db, nil
}

// GenerationAudit writes GenerationLog rows. Writes happen off the
// caller's goroutine and failures are logged only: the audit trail is
// never allowed to fail a user-facing request. A nil *GenerationAudit
// is valid and records nothing.
type GenerationAudit struct {
	db     *gorm.DB
	logger *slog.Logger
}

func newGenerationAudit(db *gorm.DB, logger *slog.Logger) *GenerationAudit {
	if logger == nil {
		logger = slog.Default()
	}
	return &GenerationAudit{
		db:     db,
		logger: logger.With(loggerNameKey, "generation_audit"),
	}
}

// Record stamps failure details onto the row and writes it
// asynchronously.
func (a *GenerationAudit) Record(row GenerationLog, callErr error) {
	if a == nil || a.db == nil {
		return
	}
	row.Prompt = truncate(row.Prompt, auditTextLimit)
	row.Response = truncate(row.Response, auditTextLimit)
	if callErr != nil {
		row.Error = callErr.Error()
		if row.FailureClass == "" {
			row.FailureClass = classifyError(callErr).String()
		}
	}
	go func() {
		if err := a.db.Create(&row).Error; err != nil {
			a.logger.Error("error writing generation log", tint.Err(err))
		}
	}()
}
