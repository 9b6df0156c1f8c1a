// Package memory persists the trailing conversation window an AI agent
// step is configured to remember across separate flow runs, keyed by the
// step's memory_id. It is a thin GORM-backed store following the same
// tx-aware repo shape as internal/queue.
package memory

import (
	"encoding/json"
	"errors"
	"time"

	"gorm.io/datatypes"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/flowforge/engine/internal/platform/dbctx"
)

// Row is one memory_id's persisted message window.
type Row struct {
	MemoryID  string         `gorm:"column:memory_id;primaryKey" json:"memory_id"`
	Workspace string         `gorm:"column:workspace;not null" json:"workspace"`
	Messages  datatypes.JSON `gorm:"column:messages;type:jsonb;not null" json:"messages"`
	UpdatedAt time.Time      `gorm:"column:updated_at;not null;default:now()" json:"updated_at"`
}

func (Row) TableName() string { return "agent_memory" }

type Store interface {
	Load(dbc dbctx.Context, memoryID string) (json.RawMessage, error)
	Save(dbc dbctx.Context, workspace, memoryID string, messages json.RawMessage) error
}

type store struct {
	db *gorm.DB
}

func NewStore(db *gorm.DB) Store {
	return &store{db: db}
}

func (s *store) tx(dbc dbctx.Context) *gorm.DB {
	if dbc.Tx != nil {
		return dbc.Tx
	}
	return s.db
}

func (s *store) Load(dbc dbctx.Context, memoryID string) (json.RawMessage, error) {
	if memoryID == "" {
		return nil, nil
	}
	var row Row
	err := s.tx(dbc).WithContext(dbc.Ctx).Where("memory_id = ?", memoryID).First(&row).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return json.RawMessage(row.Messages), nil
}

func (s *store) Save(dbc dbctx.Context, workspace, memoryID string, messages json.RawMessage) error {
	if memoryID == "" {
		return nil
	}
	row := Row{MemoryID: memoryID, Workspace: workspace, Messages: datatypes.JSON(messages), UpdatedAt: time.Now().UTC()}
	return s.tx(dbc).WithContext(dbc.Ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "memory_id"}},
			DoUpdates: clause.AssignmentColumns([]string{"messages", "updated_at"}),
		}).
		Create(&row).Error
}
