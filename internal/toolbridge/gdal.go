package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"
)

var ErrNotGeoreferenced = errors.New("raster has no coordinate reference system")

// RasterInfo is the subset of `gdalinfo -json` the ortho pipeline checks.
type RasterInfo struct {
	Driver string
	Width  int
	Height int
	Bands  int
	WKT    string
}

// GDAL wraps gdalinfo and gdal_translate.
type GDAL struct {
	runner           Runner
	infoBin          string
	translateBin     string
	validateTimeout  time.Duration
	cogTimeout       time.Duration
	thumbnailTimeout time.Duration
}

type GDALOptions struct {
	InfoPath         string
	TranslatePath    string
	ValidateTimeout  time.Duration
	COGTimeout       time.Duration
	ThumbnailTimeout time.Duration
}

func NewGDAL(runner Runner, opts GDALOptions) *GDAL {
	return &GDAL{
		runner:           runner,
		infoBin:          opts.InfoPath,
		translateBin:     opts.TranslatePath,
		validateTimeout:  opts.ValidateTimeout,
		cogTimeout:       opts.COGTimeout,
		thumbnailTimeout: opts.ThumbnailTimeout,
	}
}

// Validate checks that path is a readable raster with a coordinate system.
func (g *GDAL) Validate(ctx context.Context, path string) (*RasterInfo, error) {
	res, err := g.runner.Run(ctx, Command{
		Name:    g.infoBin,
		Args:    []string{"-json", path},
		Timeout: g.validateTimeout,
	})
	if err != nil {
		return nil, err
	}
	return parseGDALInfo(res.Stdout)
}

type gdalInfoOutput struct {
	DriverShortName  string `json:"driverShortName"`
	Size             []int  `json:"size"`
	CoordinateSystem *struct {
		WKT string `json:"wkt"`
	} `json:"coordinateSystem"`
	Bands []json.RawMessage `json:"bands"`
}

func parseGDALInfo(raw []byte) (*RasterInfo, error) {
	var out gdalInfoOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse gdalinfo output: %w", err)
	}
	if len(out.Size) != 2 || out.Size[0] <= 0 || out.Size[1] <= 0 {
		return nil, errors.New("raster has no pixels")
	}
	if out.CoordinateSystem == nil || strings.TrimSpace(out.CoordinateSystem.WKT) == "" {
		return nil, ErrNotGeoreferenced
	}
	return &RasterInfo{
		Driver: out.DriverShortName,
		Width:  out.Size[0],
		Height: out.Size[1],
		Bands:  len(out.Bands),
		WKT:    out.CoordinateSystem.WKT,
	}, nil
}

// TranslateCOG rewrites in as a JPEG-compressed Cloud Optimized GeoTIFF.
func (g *GDAL) TranslateCOG(ctx context.Context, in, out string) error {
	args := []string{
		"-of", "COG",
		"-co", "COMPRESS=JPEG",
		"-co", "QUALITY=85",
		"-co", "BLOCKSIZE=512",
		in, out,
	}
	_, err := g.runner.Run(ctx, Command{Name: g.translateBin, Args: args, Timeout: g.cogTimeout})
	return err
}

// Thumbnail renders a PNG preview width pixels wide, height by aspect ratio.
func (g *GDAL) Thumbnail(ctx context.Context, in, out string, width int) error {
	if width <= 0 {
		return fmt.Errorf("invalid thumbnail width %d", width)
	}
	args := []string{"-of", "PNG", "-outsize", strconv.Itoa(width), "0", in, out}
	_, err := g.runner.Run(ctx, Command{Name: g.translateBin, Args: args, Timeout: g.thumbnailTimeout})
	return err
}
