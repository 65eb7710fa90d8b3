// Command perfserver seeds a SQLite database with generated buildings and times
// projected queries against it in both expansion modes.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	odatamap "github.com/nlstn/go-odatamap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

type Builder struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

type Building struct {
	ID        uint `gorm:"primaryKey"`
	LongName  string
	BuilderID *uint
	Builder   *Builder
	Rooms     []Room
}

type Room struct {
	ID         uint `gorm:"primaryKey"`
	BuildingID uint
	Label      string
	Floor      int
}

type BuilderView struct {
	Name string
}

type RoomView struct {
	Label string
	Floor int
}

type BuildingView struct {
	ID          uint
	Name        string
	BuilderName string
	Builder     *BuilderView
	Rooms       []RoomView
}

type scenario struct {
	name string
	opts func() *odatamap.QueryOptions
}

func intPtr(v int) *int { return &v }

var scenarios = []scenario{
	{"filter-page", func() *odatamap.QueryOptions {
		return &odatamap.QueryOptions{
			Filter:  &odatamap.FilterExpression{Property: "BuilderName", Operator: odatamap.OpStartsWith, Value: "Builder 1"},
			OrderBy: []odatamap.OrderByItem{{Property: "Name"}},
			Top:     intPtr(50),
			Count:   true,
		}
	}},
	{"expand-nested", func() *odatamap.QueryOptions {
		return &odatamap.QueryOptions{
			Top: intPtr(100),
			Expand: []odatamap.ExpandOption{
				{NavigationProperty: "Builder"},
				{
					NavigationProperty: "Rooms",
					Filter:             &odatamap.FilterExpression{Property: "Floor", Operator: odatamap.OpGreaterThan, Value: 1},
					OrderBy:            []odatamap.OrderByItem{{Property: "Label", Descending: true}},
					Top:                intPtr(3),
				},
			},
		}
	}},
}

func seed(db *gorm.DB, buildings, roomsPer int) error {
	if err := db.AutoMigrate(&Builder{}, &Building{}, &Room{}); err != nil {
		return err
	}
	return db.Transaction(func(tx *gorm.DB) error {
		builders := make([]Builder, 20)
		for i := range builders {
			builders[i] = Builder{ID: uint(i + 1), Name: fmt.Sprintf("Builder %d", i+1)}
		}
		if err := tx.CreateInBatches(builders, 100).Error; err != nil {
			return err
		}

		rows := make([]Building, buildings)
		for i := range rows {
			builder := uint(i%len(builders) + 1)
			rooms := make([]Room, roomsPer)
			for r := range rooms {
				rooms[r] = Room{Label: fmt.Sprintf("R%02d", r), Floor: r % 5}
			}
			rows[i] = Building{LongName: fmt.Sprintf("Building %05d", i), BuilderID: &builder, Rooms: rooms}
		}
		return tx.CreateInBatches(rows, 200).Error
	})
}

func percentile(sorted []time.Duration, p float64) time.Duration {
	if len(sorted) == 0 {
		return 0
	}
	return sorted[int(float64(len(sorted)-1)*p)]
}

func measure(ctx context.Context, db *gorm.DB, cfg *odatamap.Configuration, settings *odatamap.QuerySettings, sc scenario, iterations int) ([]time.Duration, int, error) {
	samples := make([]time.Duration, 0, iterations)
	var rows int
	for i := 0; i < iterations; i++ {
		src := odatamap.FromGorm[Building](db.WithContext(ctx), cfg.Registry(), settings.Logger)
		start := time.Now()
		views, _, err := odatamap.GetWithCount[BuildingView](ctx, src, cfg, sc.opts(), settings)
		if err != nil {
			return nil, 0, err
		}
		samples = append(samples, time.Since(start))
		rows = len(views)
	}
	sort.Slice(samples, func(i, j int) bool { return samples[i] < samples[j] })
	return samples, rows, nil
}

func run(args []string) error {
	fs := flag.NewFlagSet("perfserver", flag.ContinueOnError)
	dsn := fs.String("dsn", "file:perfserver?mode=memory&cache=shared", "SQLite DSN")
	buildings := fs.Int("buildings", 5000, "number of generated buildings")
	roomsPer := fs.Int("rooms", 8, "rooms per building")
	iterations := fs.Int("iterations", 50, "iterations per scenario and mode")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *iterations <= 0 {
		return errors.New("iterations must be positive")
	}

	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	db, err := gorm.Open(sqlite.Open(*dsn), &gorm.Config{Logger: gormlogger.Discard})
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	seeded := time.Now()
	if err := seed(db, *buildings, *roomsPer); err != nil {
		return fmt.Errorf("seed: %w", err)
	}
	logger.Info("Seeded database", "buildings", *buildings, "rooms", *buildings**roomsPer, "elapsed", time.Since(seeded))

	cfg := odatamap.NewConfiguration(nil)
	odatamap.CreateMap[Building, BuildingView](cfg).ForMember("Name", "LongName")
	odatamap.CreateMap[Builder, BuilderView](cfg)
	odatamap.CreateMap[Room, RoomView](cfg)
	if err := cfg.Validate(); err != nil {
		return err
	}

	ctx := context.Background()
	for _, mode := range []odatamap.ExpansionMode{odatamap.ExpansionTagged, odatamap.ExpansionSequential} {
		settings := &odatamap.QuerySettings{ExpansionMode: mode, Logger: logger}
		for _, sc := range scenarios {
			samples, rows, err := measure(ctx, db, cfg, settings, sc, *iterations)
			if err != nil {
				return fmt.Errorf("%s/%s: %w", mode, sc.name, err)
			}
			logger.Info("Scenario finished",
				"mode", mode.String(),
				"scenario", sc.name,
				"rows", rows,
				"p50", percentile(samples, 0.50),
				"p95", percentile(samples, 0.95),
				"max", samples[len(samples)-1])
		}
	}
	return nil
}

func main() {
	if err := run(os.Args[1:]); err != nil {
		slog.Error("perfserver failed", "error", err)
		os.Exit(1)
	}
}
