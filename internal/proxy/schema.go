package proxy

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/duodb/duodb/internal/schema"
)

// schemaSnapshotKey is the _db_metadata key holding the serialized table
// catalog, so a restart with the primary down still knows the schema.
const schemaSnapshotKey = "schema_snapshot"

func (p *Proxy) persistSchema(ctx context.Context) error {
	b, err := json.Marshal(p.reg.Tables())
	if err != nil {
		return fmt.Errorf("encode schema snapshot: %w", err)
	}
	return p.fallback.SetMetadata(ctx, schemaSnapshotKey, string(b))
}

func (p *Proxy) loadSchema(ctx context.Context) error {
	raw, err := p.fallback.GetMetadata(ctx, schemaSnapshotKey)
	if err != nil {
		return err
	}
	if raw == "" {
		return fmt.Errorf("no schema snapshot available")
	}
	var tables []schema.Table
	if err := json.Unmarshal([]byte(raw), &tables); err != nil {
		return fmt.Errorf("decode schema snapshot: %w", err)
	}
	p.reg.Load(tables)
	return p.fallback.EnsureTables(ctx, tables)
}
