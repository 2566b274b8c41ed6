// Package grid answers whether a point falls on a valid (unmasked) cell of a
// reference dataset, and applies the location policy built on those checks.
package grid

import (
	"context"
	"strings"
)

// Attr is one variable attribute. Numeric attributes populate Numbers, text
// attributes populate Text.
type Attr struct {
	Numbers []float64
	Text    string
}

// Attributes maps attribute names to values for one variable.
type Attributes map[string]Attr

// Number returns the first numeric value of name.
func (a Attributes) Number(name string) (float64, bool) {
	v, ok := a[name]
	if !ok || len(v.Numbers) == 0 {
		return 0, false
	}
	return v.Numbers[0], true
}

// String returns the text value of name.
func (a Attributes) String(name string) string {
	return a[name].Text
}

// Dataset is an open gridded dataset, either remote (OPeNDAP) or local
// (NetCDF).
type Dataset interface {
	// Shape returns the dimension sizes of a variable.
	Shape(name string) ([]int, error)
	// Attributes returns the attributes of a variable.
	Attributes(name string) Attributes
	// Values reads a whole 1-D variable.
	Values(ctx context.Context, name string) ([]float64, error)
	// Cell reads a single element. Masked elements that the backend can
	// detect on its own are reported with masked=true.
	Cell(ctx context.Context, name string, index ...int) (value float64, masked bool, err error)
	Close() error
}

// Opener opens datasets by URL or path.
type Opener interface {
	Open(ctx context.Context, location string) (Dataset, error)
}

// RoutingOpener sends local paths to Local and everything else to Remote.
type RoutingOpener struct {
	Remote Opener
	Local  Opener
}

// Open implements Opener.
func (r RoutingOpener) Open(ctx context.Context, location string) (Dataset, error) {
	if r.Local != nil && IsLocal(location) {
		return r.Local.Open(ctx, strings.TrimPrefix(location, "file://"))
	}
	return r.Remote.Open(ctx, location)
}

// IsLocal reports whether location names a local file.
func IsLocal(location string) bool {
	return strings.HasPrefix(location, "file://") || strings.HasPrefix(location, "/") || strings.HasPrefix(location, ".")
}
