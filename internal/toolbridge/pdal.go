package toolbridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"time"
)

// ErrNoPoints is returned by Info when the file reports an empty cloud.
var ErrNoPoints = errors.New("point cloud contains no points")

// BBox is an axis-aligned bounding box in a single coordinate system.
type BBox struct {
	MinX float64 `json:"minx"`
	MinY float64 `json:"miny"`
	MinZ float64 `json:"minz"`
	MaxX float64 `json:"maxx"`
	MaxY float64 `json:"maxy"`
	MaxZ float64 `json:"maxz"`
}

func (b BBox) Width() float64  { return b.MaxX - b.MinX }
func (b BBox) Height() float64 { return b.MaxY - b.MinY }

// PointCloudInfo is the subset of `pdal info` output the pipeline needs.
// WGS84 is nil when the file carries no usable spatial reference.
type PointCloudInfo struct {
	PointCount int64
	Native     BBox
	WGS84      *BBox
}

// Center returns the geographic centre (lat, lon) and the native vertical
// centre, each rounded to 4 decimal places. ok is false without a WGS84 box.
func (i *PointCloudInfo) Center() (lat, lon, z float64, ok bool) {
	if i.WGS84 == nil {
		return 0, 0, 0, false
	}
	lat = round4((i.WGS84.MinY + i.WGS84.MaxY) / 2)
	lon = round4((i.WGS84.MinX + i.WGS84.MaxX) / 2)
	z = round4((i.Native.MinZ + i.Native.MaxZ) / 2)
	return lat, lon, z, true
}

func round4(v float64) float64 {
	return math.Round(v*1e4) / 1e4
}

// PDAL wraps the pdal command line application.
type PDAL struct {
	runner         Runner
	bin            string
	infoTimeout    time.Duration
	densityTimeout time.Duration
}

func NewPDAL(runner Runner, bin string, infoTimeout, densityTimeout time.Duration) *PDAL {
	return &PDAL{runner: runner, bin: bin, infoTimeout: infoTimeout, densityTimeout: densityTimeout}
}

// Info reads point count and bounds. When epsg is set it overrides the
// spatial reference recorded in the file.
func (p *PDAL) Info(ctx context.Context, path string, epsg *int) (*PointCloudInfo, error) {
	args := []string{"info", "--stats", "--dimensions", "X,Y,Z"}
	if epsg != nil {
		args = append(args, "--readers.las.spatialreference=EPSG:"+strconv.Itoa(*epsg))
	}
	args = append(args, path)

	res, err := p.runner.Run(ctx, Command{Name: p.bin, Args: args, Timeout: p.infoTimeout})
	if err != nil {
		return nil, err
	}
	return parsePDALInfo(res.Stdout)
}

type pdalInfoOutput struct {
	Stats struct {
		BBox map[string]struct {
			BBox *BBox `json:"bbox"`
		} `json:"bbox"`
		Statistic []struct {
			Name  string `json:"name"`
			Count int64  `json:"count"`
		} `json:"statistic"`
	} `json:"stats"`
}

func parsePDALInfo(raw []byte) (*PointCloudInfo, error) {
	var out pdalInfoOutput
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("parse pdal info output: %w", err)
	}

	native, ok := out.Stats.BBox["native"]
	if !ok || native.BBox == nil {
		return nil, errors.New("pdal info output has no native bounding box")
	}

	var count int64
	for _, s := range out.Stats.Statistic {
		if s.Name == "X" {
			count = s.Count
			break
		}
	}
	if count <= 0 {
		return nil, ErrNoPoints
	}

	info := &PointCloudInfo{PointCount: count, Native: *native.BBox}
	if geo, ok := out.Stats.BBox["EPSG:4326"]; ok && geo.BBox != nil {
		info.WGS84 = geo.BBox
	}
	return info, nil
}

// DensityRaster bins the cloud into a single-band uint16 GeoTIFF where each
// cell holds the number of points that fell into it.
func (p *PDAL) DensityRaster(ctx context.Context, in, out string, resolution float64) error {
	if resolution <= 0 || math.IsNaN(resolution) || math.IsInf(resolution, 0) {
		return fmt.Errorf("invalid density resolution %v", resolution)
	}
	res := strconv.FormatFloat(resolution, 'f', -1, 64)
	args := []string{
		"translate", in, out,
		"--writer", "writers.gdal",
		"--writers.gdal.resolution=" + res,
		"--writers.gdal.output_type=count",
		"--writers.gdal.data_type=uint16",
		"--writers.gdal.gdaldriver=GTiff",
	}
	_, err := p.runner.Run(ctx, Command{Name: p.bin, Args: args, Timeout: p.densityTimeout})
	return err
}
