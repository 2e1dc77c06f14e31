// Package models contains shared data models used across the geoconvert codebase.
package models

import "time"

// CRS describes the coordinate reference system of a project's source data.
type CRS struct {
	EPSG  *int   `json:"epsg,omitempty"`
	Name  string `json:"name,omitempty"`
	Proj4 string `json:"proj4,omitempty"`
}

// Location is the representative centre of a point cloud, in WGS84 lat/lon
// with the elevation taken from the native coordinates.
type Location struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
	Z   float64 `json:"z"`
}

// Ortho references the published orthophoto artifacts of a project.
type Ortho struct {
	File      *string `json:"file,omitempty"`
	Thumbnail *string `json:"thumbnail,omitempty"`
}

// Project is a survey project. Its artifact references are written only by
// the final stage of a conversion pipeline.
type Project struct {
	ID          string     `db:"id"          json:"id"`
	Name        string     `db:"name"        json:"name"`
	Client      *string    `db:"client"      json:"client,omitempty"`
	Description *string    `db:"description" json:"description,omitempty"`
	Date        *time.Time `db:"date"        json:"date,omitempty"`
	Tags        []string   `db:"tags"        json:"tags"`
	CRS         CRS        `json:"crs"`
	Location    *Location  `json:"location,omitempty"`
	PointCount  *int64     `db:"point_count" json:"point_count,omitempty"`
	Cloud       *string    `db:"cloud"       json:"cloud,omitempty"`
	Thumbnail   *string    `db:"thumbnail"   json:"thumbnail,omitempty"`
	Ortho       Ortho      `json:"ortho"`
	CreatedAt   time.Time  `db:"created_at"  json:"created_at"`
	UpdatedAt   time.Time  `db:"updated_at"  json:"updated_at"`
}

// PointCloudResult is what a successful point-cloud conversion publishes.
type PointCloudResult struct {
	CloudURL     string
	ThumbnailURL *string
	Location     *Location
	PointCount   int64
}

// OrthoResult is what a successful orthophoto conversion publishes.
type OrthoResult struct {
	FileURL      string
	ThumbnailURL *string
}
