package pointcloud

import (
	"image/color"

	"github.com/golang/geo/r3"
	"github.com/lucasb-eyer/go-colorful"
)

// NewVector convenience method for creating a vector.
func NewVector(x, y, z float64) r3.Vector {
	return r3.Vector{X: x, Y: y, Z: z}
}

// Vectors is a series of three-dimensional vectors.
type Vectors []r3.Vector

// Len returns the number of vectors.
func (vs Vectors) Len() int {
	return len(vs)
}

// Swap swaps two vectors positionally.
func (vs Vectors) Swap(i, j int) {
	vs[i], vs[j] = vs[j], vs[i]
}

// Less returns which vector is less than the other based on
// r3.Vector.Cmp.
func (vs Vectors) Less(i, j int) bool {
	return vs[i].Cmp(vs[j]) < 0
}

// Data describes data associated single point within a PointCloud. Data values are
// immutable; the Set methods return a modified copy.
type Data interface {
	// HasColor returns whether or not this point is colored.
	HasColor() bool

	// RGB255 returns, if colored, the RGB components of the color.
	RGB255() (uint8, uint8, uint8)

	// Color returns the native color of the point.
	Color() color.NRGBA

	// HueSaturation returns the hue in degrees [0, 360) and the saturation in [0, 1].
	HueSaturation() (float64, float64)

	// SetColor returns a copy of the data with the given color.
	SetColor(c color.NRGBA) Data

	// HasNormal returns whether or not a surface normal was estimated for this point.
	HasNormal() bool

	// Normal returns the unit surface normal, if any.
	Normal() r3.Vector

	// SetNormal returns a copy of the data with the given normal.
	SetNormal(n r3.Vector) Data

	// HasValue returns whether or not this point has some user data value
	// associated with it.
	HasValue() bool

	// Value returns the user data set value, if it exists. Labels are stored here.
	Value() int

	// SetValue returns a copy of the data with the given user data value.
	SetValue(v int) Data
}

type basicData struct {
	hasColor bool
	c        color.NRGBA

	hasNormal bool
	normal    r3.Vector

	hasValue bool
	value    int
}

// NewBasicData returns a point that is solely positionally based.
func NewBasicData() Data {
	return basicData{}
}

// NewColoredData returns a point that has both position and color.
func NewColoredData(c color.NRGBA) Data {
	return basicData{c: c, hasColor: true}
}

// NewNormalData returns a point that has both position and a surface normal.
func NewNormalData(n r3.Vector) Data {
	return basicData{normal: n, hasNormal: true}
}

// NewValueData returns a point that has both position and a user data value.
func NewValueData(v int) Data {
	return basicData{value: v, hasValue: true}
}

func (bd basicData) SetColor(c color.NRGBA) Data {
	bd.c = c
	bd.hasColor = true
	return bd
}

func (bd basicData) HasColor() bool {
	return bd.hasColor
}

func (bd basicData) RGB255() (uint8, uint8, uint8) {
	return bd.c.R, bd.c.G, bd.c.B
}

func (bd basicData) Color() color.NRGBA {
	return bd.c
}

func (bd basicData) HueSaturation() (float64, float64) {
	// alpha is ignored; colorful.MakeColor rejects fully transparent colors.
	c := colorful.Color{R: float64(bd.c.R) / 255, G: float64(bd.c.G) / 255, B: float64(bd.c.B) / 255}
	h, s, _ := c.Hsv()
	return h, s
}

func (bd basicData) SetNormal(n r3.Vector) Data {
	bd.normal = n
	bd.hasNormal = true
	return bd
}

func (bd basicData) HasNormal() bool {
	return bd.hasNormal
}

func (bd basicData) Normal() r3.Vector {
	return bd.normal
}

func (bd basicData) SetValue(v int) Data {
	bd.hasValue = true
	bd.value = v
	return bd
}

func (bd basicData) HasValue() bool {
	return bd.hasValue
}

func (bd basicData) Value() int {
	return bd.value
}

// colorFromSums averages accumulated channel sums into an opaque color.
func colorFromSums(r, g, b, n int) color.NRGBA {
	return color.NRGBA{R: uint8(r / n), G: uint8(g / n), B: uint8(b / n), A: 255}
}
