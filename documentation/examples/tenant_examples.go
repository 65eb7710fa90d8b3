//go:build example

// Package main demonstrates tenant scoping and file-based mappings in go-odatamap.
//
// This example shows how to:
// 1. Load type maps from a YAML mapping file
// 2. Scope every read to the tenant of the request with ODataBeforeReadCollection
// 3. Redact projected results with ODataAfterReadCollection
// 4. Pass projection parameters such as the current viewer
//
// Run it from this directory with: go run -tags example .
package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"

	odatamap "github.com/nlstn/go-odatamap"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
)

// Example 1: Persistence and view types
// =====================================

type City struct {
	ID   uint `gorm:"primaryKey"`
	Name string
}

type Builder struct {
	ID     uint `gorm:"primaryKey"`
	Name   string
	CityID *uint
	City   *City
}

type Building struct {
	ID        uint `gorm:"primaryKey"`
	TenantID  string
	LongName  string
	BuilderID *uint
	Builder   *Builder
}

type CityView struct {
	Name string
}

type BuilderView struct {
	Name string
	City *CityView
}

// BuildingView is what clients filter, order and expand against. CityName is
// flattened from Builder.City.Name by mapping.yaml and Viewer is filled from the
// "viewer" projection parameter. Internal is never mapped.
type BuildingView struct {
	ID       uint
	Name     string
	CityName string
	Viewer   string
	Builder  *BuilderView
	Internal string
}

// Example 2: Tenant scoping with read hooks
// =========================================

type tenantKey struct{}

// withTenant stores the tenant of the request in the context. A real service would
// read it from a verified token instead of a header.
func withTenant(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tenant := r.Header.Get("X-Tenant")
		if tenant == "" {
			http.Error(w, "missing X-Tenant", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), tenantKey{}, tenant)))
	})
}

// ODataBeforeReadCollection limits the rows to the tenant of the request. The scope
// is applied before the translated $filter, so clients cannot widen it.
func (Building) ODataBeforeReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions) ([]odatamap.QueryScope, error) {
	tenant, _ := ctx.Value(tenantKey{}).(string)
	if tenant == "" {
		return nil, errors.New("tenant required")
	}
	if opts.Top != nil && *opts.Top > 500 {
		return nil, fmt.Errorf("$top of %d exceeds the tenant limit", *opts.Top)
	}
	return []odatamap.QueryScope{{Condition: "tenant_id = ?", Args: []interface{}{tenant}}}, nil
}

// ODataAfterReadCollection hides the builder of every building from guests.
func (Building) ODataAfterReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions, results interface{}) (interface{}, error) {
	if r.Header.Get("X-Role") != "guest" {
		return nil, nil
	}
	views, ok := results.([]BuildingView)
	if !ok {
		return nil, nil
	}
	for i := range views {
		views[i].Builder = nil
	}
	return views, nil
}

// Example 3: Wiring
// =================

func seed(db *gorm.DB) error {
	if err := db.AutoMigrate(&City{}, &Builder{}, &Building{}); err != nil {
		return err
	}
	leeds, ann := uint(1), uint(1)
	if err := db.Create(&City{ID: leeds, Name: "Leeds"}).Error; err != nil {
		return err
	}
	if err := db.Create(&Builder{ID: ann, Name: "Ann", CityID: &leeds}).Error; err != nil {
		return err
	}
	return db.Create(&[]Building{
		{TenantID: "acme", LongName: "Tower", BuilderID: &ann},
		{TenantID: "acme", LongName: "Barn"},
		{TenantID: "globex", LongName: "Hall", BuilderID: &ann},
	}).Error
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stdout, nil))

	db, err := gorm.Open(sqlite.Open("file:examples?mode=memory&cache=shared"), &gorm.Config{})
	if err != nil {
		log.Fatal(err)
	}
	if err := seed(db); err != nil {
		log.Fatal(err)
	}

	cfg := odatamap.NewConfiguration(nil)
	if err := odatamap.LoadMappingFile(cfg, "mapping.yaml", Building{}, BuildingView{}, Builder{}, BuilderView{}, City{}, CityView{}); err != nil {
		log.Fatal(err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatal(err)
	}

	settings := &odatamap.QuerySettings{
		Logger:               logger,
		ProjectionParameters: map[string]interface{}{"viewer": "examples"},
	}
	buildings, err := odatamap.NewGormCollectionHandler[Building, BuildingView](db, cfg, settings)
	if err != nil {
		log.Fatal(err)
	}

	mux := http.NewServeMux()
	mux.Handle("/Buildings", withTenant(buildings))
	mux.Handle("/Buildings/", withTenant(buildings))

	// curl -H 'X-Tenant: acme' 'localhost:8081/Buildings?$query={"filter":{"property":"CityName","op":"eq","value":"Leeds"}}'
	logger.Info("Listening", "addr", ":8081")
	log.Fatal(http.ListenAndServe(":8081", mux))
}
