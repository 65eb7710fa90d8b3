package main

import (
	"context"
	"fmt"
	"net/http"

	odatamap "github.com/nlstn/go-odatamap"
	"gorm.io/gorm"
)

// City is a persisted city.
type City struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

// Builder is a persisted construction company.
type Builder struct {
	ID     uint   `gorm:"primaryKey"`
	Name   string `gorm:"not null"`
	CityID *uint
	City   *City
}

// Mandator owns buildings; requests are scoped to one mandator by the X-Mandator header.
type Mandator struct {
	ID   uint   `gorm:"primaryKey"`
	Name string `gorm:"not null"`
}

// Building is the persisted building row.
type Building struct {
	ID         uint   `gorm:"primaryKey"`
	LongName   string `gorm:"not null"`
	BuilderID  *uint
	Builder    *Builder
	MandatorID *uint
	Mandator   *Mandator
	Rooms      []Room
}

// ODataBeforeReadCollection scopes the buildings to the mandator of the request.
func (Building) ODataBeforeReadCollection(ctx context.Context, r *http.Request, opts *odatamap.QueryOptions) ([]odatamap.QueryScope, error) {
	mandator := r.Header.Get("X-Mandator")
	if mandator == "" {
		return nil, nil
	}
	return []odatamap.QueryScope{{Condition: "mandator_id = ?", Args: []interface{}{mandator}}}, nil
}

// Room belongs to a building.
type Room struct {
	ID         uint `gorm:"primaryKey"`
	BuildingID uint
	Label      string
	Floor      int
	Area       float64
}

// Category groups products.
type Category struct {
	ID           uint `gorm:"primaryKey"`
	CategoryName string
	Products     []Product
}

// Product belongs to a category.
type Product struct {
	ID          uint `gorm:"primaryKey"`
	CategoryID  uint
	ProductName string
	Price       float64
}

// CityView is the client-facing city.
type CityView struct {
	Name string
}

// BuilderView is the client-facing builder.
type BuilderView struct {
	Name string
	City *CityView
}

// MandatorView is the client-facing mandator.
type MandatorView struct {
	Name string
}

// RoomView is the client-facing room.
type RoomView struct {
	Label string
	Floor int
	Area  float64
}

// BuildingView is the client-facing building. Name is stored as LongName and
// BuilderName is flattened from Builder.Name.
type BuildingView struct {
	Identity    uint
	Name        string
	BuilderName string
	Builder     *BuilderView
	Mandator    *MandatorView
	Rooms       []RoomView
}

// ProductView is the client-facing product.
type ProductView struct {
	ProductName string
	Price       float64
}

// CategoryView is the client-facing category.
type CategoryView struct {
	CategoryName string
	Products     []ProductView
}

func newMappings() (*odatamap.Configuration, error) {
	cfg := odatamap.NewConfiguration(nil)
	odatamap.CreateMap[Building, BuildingView](cfg).
		ForMember("Identity", "ID").
		ForMember("Name", "LongName")
	odatamap.CreateMap[Builder, BuilderView](cfg)
	odatamap.CreateMap[City, CityView](cfg)
	odatamap.CreateMap[Mandator, MandatorView](cfg)
	odatamap.CreateMap[Room, RoomView](cfg)
	odatamap.CreateMap[Category, CategoryView](cfg)
	odatamap.CreateMap[Product, ProductView](cfg)
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mapping configuration: %w", err)
	}
	return cfg, nil
}

func migrate(db *gorm.DB) error {
	return db.AutoMigrate(&City{}, &Builder{}, &Mandator{}, &Building{}, &Room{}, &Category{}, &Product{})
}

// seed inserts the sample data unless buildings already exist.
func seed(db *gorm.DB) error {
	var n int64
	if err := db.Model(&Building{}).Count(&n).Error; err != nil {
		return err
	}
	if n > 0 {
		return nil
	}

	leeds, york := uint(1), uint(2)
	ann, bob := uint(1), uint(2)
	north, south := uint(1), uint(2)

	return db.Transaction(func(tx *gorm.DB) error {
		rows := []interface{}{
			&[]City{{ID: leeds, Name: "Leeds"}, {ID: york, Name: "York"}},
			&[]Builder{{ID: ann, Name: "Ann Construction", CityID: &leeds}, {ID: bob, Name: "Bob & Sons", CityID: &york}},
			&[]Mandator{{ID: north, Name: "North"}, {ID: south, Name: "South"}},
			&[]Building{
				{ID: 1, LongName: "Tower", BuilderID: &ann, MandatorID: &north},
				{ID: 2, LongName: "Hall", BuilderID: &bob, MandatorID: &south},
				{ID: 3, LongName: "Barn", MandatorID: &north},
				{ID: 4, LongName: "Leeds Depot", BuilderID: &ann, MandatorID: &south},
			},
			&[]Room{
				{ID: 1, BuildingID: 1, Label: "A", Floor: 1, Area: 42.5},
				{ID: 2, BuildingID: 1, Label: "B", Floor: 2, Area: 30},
				{ID: 3, BuildingID: 2, Label: "A", Floor: 1, Area: 120},
				{ID: 4, BuildingID: 4, Label: "Store", Floor: 0, Area: 800},
			},
			&[]Category{{ID: 1, CategoryName: "CategoryOne"}, {ID: 2, CategoryName: "CategoryTwo"}},
			&[]Product{
				{ID: 1, CategoryID: 1, ProductName: "ProductOne", Price: 9.99},
				{ID: 2, CategoryID: 1, ProductName: "ProductTwo", Price: 19.99},
				{ID: 3, CategoryID: 2, ProductName: "ProductOne", Price: 4.5},
				{ID: 4, CategoryID: 2, ProductName: "ProductThree", Price: 12},
			},
		}
		for _, r := range rows {
			if err := tx.Create(r).Error; err != nil {
				return fmt.Errorf("seed %T: %w", r, err)
			}
		}
		return nil
	})
}
