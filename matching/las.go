package matching

import (
	"github.com/edaniels/lidario"
	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.uber.org/multierr"
)

// ReadLAS loads the point positions of a LAS file
func ReadLAS(path string) (cloud PointCloud, err error) {
	lf, err := lidario.NewLasFile(path, "r")
	if err != nil {
		return nil, errors.Wrapf(err, "opening LAS %s", path)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	cloud = make(PointCloud, 0, lf.Header.NumberPoints)
	for i := 0; i < lf.Header.NumberPoints; i++ {
		p, err := lf.LasPoint(i)
		if err != nil {
			return nil, errors.Wrapf(err, "reading LAS point %d", i)
		}
		data := p.PointData()
		cloud = append(cloud, r3.Vector{X: data.X, Y: data.Y, Z: data.Z})
	}
	return cloud, nil
}

// WriteLAS writes the cloud as point format 0 records
func WriteLAS(path string, cloud PointCloud) (err error) {
	lf, err := lidario.NewLasFile(path, "w")
	if err != nil {
		return errors.Wrapf(err, "creating LAS %s", path)
	}
	defer func() {
		err = multierr.Combine(err, lf.Close())
	}()

	if err = lf.AddHeader(lidario.LasHeader{PointFormatID: 0}); err != nil {
		return errors.Wrap(err, "writing LAS header")
	}
	for i, p := range cloud {
		rec := &lidario.PointRecord0{
			X: p.X,
			Y: p.Y,
			Z: p.Z,
			BitField: lidario.PointBitField{
				Value: 1 | 1<<3,
			},
			PointSourceID: 1,
		}
		if err = lf.AddLasPoint(rec); err != nil {
			return errors.Wrapf(err, "writing LAS point %d", i)
		}
	}
	return nil
}
