package observability

import (
	"context"
	"fmt"

	servertiming "github.com/mitchellh/go-server-timing"
	"gorm.io/gorm"
)

// ServerTimingMetric times one operation for the Server-Timing response header.
// Metrics started on a context without a Server-Timing header do nothing.
type ServerTimingMetric struct {
	metric *servertiming.Metric
}

// Stop ends the metric. It is safe to call on a nil receiver.
func (m *ServerTimingMetric) Stop() {
	if m == nil || m.metric == nil {
		return
	}
	m.metric.Stop()
}

// StartServerTiming starts the metric name on the Server-Timing header of ctx.
func StartServerTiming(ctx context.Context, name string) *ServerTimingMetric {
	return StartServerTimingWithDesc(ctx, name, "")
}

// StartServerTimingWithDesc starts the metric name with a description.
func StartServerTimingWithDesc(ctx context.Context, name, description string) *ServerTimingMetric {
	if ctx == nil {
		return &ServerTimingMetric{}
	}
	h := servertiming.FromContext(ctx)
	if h == nil {
		return &ServerTimingMetric{}
	}
	m := h.NewMetric(name)
	if description != "" {
		m = m.WithDesc(description)
	}
	return &ServerTimingMetric{metric: m.Start()}
}

const serverTimingKey = "odatamap:server_timing"

// RegisterServerTimingCallbacks times every GORM query and row callback as a "db"
// Server-Timing metric of the statement context.
func RegisterServerTimingCallbacks(db *gorm.DB) error {
	if db == nil {
		return fmt.Errorf("server timing callbacks require a database")
	}
	before := func(tx *gorm.DB) {
		m := StartServerTimingWithDesc(tx.Statement.Context, "db", "Database query")
		tx.InstanceSet(serverTimingKey, m)
	}
	after := func(tx *gorm.DB) {
		if v, ok := tx.InstanceGet(serverTimingKey); ok {
			if m, ok := v.(*ServerTimingMetric); ok {
				m.Stop()
			}
		}
	}

	if err := db.Callback().Query().Before("gorm:query").Register("odatamap:server_timing_before_query", before); err != nil {
		return fmt.Errorf("failed to register query timing callback: %w", err)
	}
	if err := db.Callback().Query().After("gorm:after_query").Register("odatamap:server_timing_after_query", after); err != nil {
		return fmt.Errorf("failed to register query timing callback: %w", err)
	}
	if err := db.Callback().Row().Before("gorm:row").Register("odatamap:server_timing_before_row", before); err != nil {
		return fmt.Errorf("failed to register row timing callback: %w", err)
	}
	if err := db.Callback().Row().After("gorm:row").Register("odatamap:server_timing_after_row", after); err != nil {
		return fmt.Errorf("failed to register row timing callback: %w", err)
	}
	return nil
}
