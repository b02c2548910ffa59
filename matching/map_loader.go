package matching

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// LoadCloud reads a point cloud from a local .pcd or .las file, or from an
// http(s) URL. Non-finite points are dropped.
func LoadCloud(ctx context.Context, location string, opts ...FetchOption) (PointCloud, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		cloud, err := FetchCloud(ctx, location, opts...)
		if err != nil {
			return nil, err
		}
		return cloud.RemoveNonFinite(), nil
	}

	var cloud PointCloud
	var err error
	switch ext := strings.ToLower(filepath.Ext(location)); ext {
	case ".pcd":
		cloud, err = readPCDFile(location)
	case ".las":
		cloud, err = ReadLAS(location)
	default:
		return nil, errors.Errorf("do not know how to read point cloud %q", location)
	}
	if err != nil {
		return nil, err
	}
	return cloud.RemoveNonFinite(), nil
}

// SaveCloud writes a cloud to a .pcd (binary) or .las file
func SaveCloud(location string, cloud PointCloud) error {
	switch ext := strings.ToLower(filepath.Ext(location)); ext {
	case ".pcd":
		return writePCDFile(location, cloud, PCDBinary)
	case ".las":
		return WriteLAS(location, cloud)
	default:
		return errors.Errorf("do not know how to write point cloud %q", location)
	}
}

func readPCDFile(path string) (PointCloud, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening PCD %s", path)
	}
	defer func() { _ = f.Close() }()

	cloud, err := ReadPCD(f)
	if err != nil {
		return nil, errors.Wrapf(err, "reading PCD %s", path)
	}
	return cloud, nil
}

func writePCDFile(path string, cloud PointCloud, format PCDFormat) (err error) {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(err, "creating PCD %s", path)
	}
	defer func() {
		err = multierr.Combine(err, f.Close())
	}()
	return WritePCD(f, cloud, format)
}
