package rastertile

import (
	"sync"

	"github.com/paulmach/orb"
	"github.com/twpayne/go-proj/v10"
)

// A Projector transforms longitudes and latitudes to another coordinate
// reference system.
type Projector struct {
	mutex sync.Mutex
	crs   string
	pj    *proj.PJ
}

// NewProjector returns a new Projector from EPSG:4326 to crs.
func NewProjector(crs string) (*Projector, error) {
	pj, err := proj.NewCRSToCRS("epsg:4326", crs, nil)
	if err != nil {
		return nil, err
	}
	// Use longitude, latitude and easting, northing axis order regardless of
	// the axis order declared by either CRS.
	pj, err = pj.NormalizeForVisualization()
	if err != nil {
		return nil, err
	}
	return &Projector{
		crs: crs,
		pj:  pj,
	}, nil
}

// CRS returns p's target coordinate reference system.
func (p *Projector) CRS() string {
	return p.crs
}

// Forward transforms a single position.
func (p *Projector) Forward(lon, lat float64) (float64, float64, error) {
	coords := [][]float64{{lon, lat}}
	if err := p.forward(coords); err != nil {
		return 0, 0, err
	}
	return coords[0][0], coords[0][1], nil
}

// TileBound returns the bounds of the tile at t in p's coordinate reference
// system.
func (p *Projector) TileBound(t TileAddress) (orb.Bound, error) {
	bound := t.Bound()
	coords := [][]float64{
		{bound.Min.X(), bound.Min.Y()},
		{bound.Max.X(), bound.Max.Y()},
	}
	if err := p.forward(coords); err != nil {
		return orb.Bound{}, err
	}
	return orb.Bound{
		Min: orb.Point{coords[0][0], coords[0][1]},
		Max: orb.Point{coords[1][0], coords[1][1]},
	}, nil
}

// forward transforms coords, which are longitude, latitude pairs, in place.
func (p *Projector) forward(coords [][]float64) error {
	p.mutex.Lock()
	defer p.mutex.Unlock()
	return p.pj.ForwardFloat64Slices(coords)
}
