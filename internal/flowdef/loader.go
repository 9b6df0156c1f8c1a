// Package flowdef resolves a queued job's immutable FlowDef, either inline
// (raw_flow jobs carry their definition directly) or by looking up the
// published version a flow job references (flow_version, keyed by
// workspace+path+version the way §6 describes the persisted state layout).
package flowdef

import (
	"encoding/json"
	"fmt"

	"gorm.io/gorm"

	"github.com/flowforge/engine/internal/domain"
	"github.com/flowforge/engine/internal/platform/dbctx"
)

type Loader interface {
	Load(dbc dbctx.Context, job *domain.Job) (*domain.FlowDef, error)
}

type loader struct {
	db *gorm.DB
}

func NewLoader(db *gorm.DB) Loader {
	return &loader{db: db}
}

func (l *loader) Load(dbc dbctx.Context, job *domain.Job) (*domain.FlowDef, error) {
	switch job.Kind {
	case domain.JobKindRawFlow:
		var def domain.FlowDef
		if err := json.Unmarshal(job.RawFlow, &def); err != nil {
			return nil, fmt.Errorf("unmarshal raw_flow definition: %w", err)
		}
		return &def, nil
	case domain.JobKindFlow:
		tx := l.db
		if dbc.Tx != nil {
			tx = dbc.Tx
		}
		var fv domain.FlowVersion
		err := tx.WithContext(dbc.Ctx).
			Where("workspace = ? AND path = ?", job.Workspace, job.RunnableRef).
			Order("version DESC").
			First(&fv).Error
		if err != nil {
			return nil, fmt.Errorf("load flow_version for %s/%s: %w", job.Workspace, job.RunnableRef, err)
		}
		var def domain.FlowDef
		if err := json.Unmarshal(fv.Value, &def); err != nil {
			return nil, fmt.Errorf("unmarshal flow_version value: %w", err)
		}
		return &def, nil
	default:
		return nil, fmt.Errorf("job kind %s does not carry a flow definition", job.Kind)
	}
}
