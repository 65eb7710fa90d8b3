package observability

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	servertiming "github.com/mitchellh/go-server-timing"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"

	"github.com/nlstn/go-odatamap/internal/queryerrors"
)

func TestNilConfigIsUsable(t *testing.T) {
	var cfg *Config
	ctx, span := cfg.Tracer().StartQuery(context.Background(), "q1", "Building", "BuildingView")
	if ctx == nil {
		t.Fatal("expected a context")
	}
	RecordError(span, errors.New("boom"))
	span.End()
	cfg.Metrics().RecordQuery(context.Background(), "BuildingView", time.Millisecond, nil)
	if cfg.ServerTimingEnabled() {
		t.Error("server timing must be disabled on a nil config")
	}
}

func TestInitialize(t *testing.T) {
	cfg := NewConfig(WithServiceName("test"), WithServiceVersion("1.0.0"), WithServerTiming())
	if err := cfg.Initialize(); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	if cfg.Tracer() == noopTracer {
		t.Error("expected an initialized tracer")
	}
	if cfg.Tracer().service != "test" {
		t.Errorf("service = %q, want test", cfg.Tracer().service)
	}
	if !cfg.ServerTimingEnabled() {
		t.Error("expected server timing to be enabled")
	}
	_, span := cfg.Tracer().StartMaterialize(context.Background(), "q1")
	span.End()
	cfg.Metrics().RecordQuery(context.Background(), "BuildingView", time.Millisecond, queryerrors.ErrTypeMismatch)
}

func TestErrorKind(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{nil, ""},
		{&queryerrors.UnmappedMemberError{Member: "X"}, "unmapped_member"},
		{&queryerrors.ExpansionPathConflictError{Path: "A"}, "expansion_path_conflict"},
		{fmt.Errorf("wrapped: %w", queryerrors.ErrMaxExpansionDepth), "invalid_expansion"},
		{queryerrors.InvalidQueryOption("bad"), "invalid_query_option"},
		{queryerrors.NotTranslatable("x"), "not_translatable"},
		{context.Canceled, "canceled"},
		{errors.New("disk on fire"), "data_source"},
	}
	for _, tt := range tests {
		if got := ErrorKind(tt.err); got != tt.want {
			t.Errorf("ErrorKind(%v) = %q, want %q", tt.err, got, tt.want)
		}
	}
}

func TestServerTimingWithoutHeader(t *testing.T) {
	m := StartServerTiming(context.Background(), "projection")
	m.Stop()
	var nilMetric *ServerTimingMetric
	nilMetric.Stop()
}

func TestServerTimingRecordsMetric(t *testing.T) {
	var h servertiming.Header
	ctx := servertiming.NewContext(context.Background(), &h)

	m := StartServerTimingWithDesc(ctx, "projection", "Projection")
	m.Stop()

	if len(h.Metrics) != 1 {
		t.Fatalf("expected 1 metric, got %d", len(h.Metrics))
	}
	if h.Metrics[0].Name != "projection" || h.Metrics[0].Desc != "Projection" {
		t.Errorf("unexpected metric %+v", h.Metrics[0])
	}
}

type timedRow struct {
	ID   uint
	Name string
}

func TestServerTimingCallbacks(t *testing.T) {
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{})
	if err != nil {
		t.Fatalf("Failed to connect database: %v", err)
	}
	if err := db.AutoMigrate(&timedRow{}); err != nil {
		t.Fatalf("Failed to migrate database: %v", err)
	}
	if err := RegisterServerTimingCallbacks(db); err != nil {
		t.Fatalf("RegisterServerTimingCallbacks: %v", err)
	}

	var h servertiming.Header
	ctx := servertiming.NewContext(context.Background(), &h)
	var rows []timedRow
	if err := db.WithContext(ctx).Find(&rows).Error; err != nil {
		t.Fatalf("Find: %v", err)
	}
	if len(h.Metrics) == 0 || h.Metrics[0].Name != "db" {
		t.Fatalf("expected a db metric, got %+v", h.Metrics)
	}

	if err := RegisterServerTimingCallbacks(nil); err == nil {
		t.Error("expected an error without a database")
	}
}
