// Package tilecache is the content-addressed store mapping tile
// descriptors to rendered PNG bytes, with subscription coalescing so a
// render in flight is requested from the kit at most once.
package tilecache

import "fmt"

// Descriptor identifies one rendered region of the document. Equality
// for cache lookup excludes Version and Broadcast — see Key().
type Descriptor struct {
	Part      int
	X, Y      int
	Width     int
	Height    int
	Version   int64
	Broadcast bool

	// RenderParams carries additional rendering parameters (zoom,
	// theme, etc.) that do participate in cache-key equality.
	RenderParams string
}

// Key returns the cache-equivalence key: every field except Version and
// Broadcast, since a stale-but-otherwise-identical request should reuse
// the in-flight render rather than start a second one.
func (d Descriptor) Key() string {
	return fmt.Sprintf("%d:%d:%d:%d:%d:%s", d.Part, d.X, d.Y, d.Width, d.Height, d.RenderParams)
}

// Header renders the textual frame header sent ahead of raw tile bytes,
// e.g. "tile: part=0 x=0 y=0 width=256 height=256 ver=7".
func (d Descriptor) Header() string {
	return fmt.Sprintf("tile: part=%d x=%d y=%d width=%d height=%d ver=%d", d.Part, d.X, d.Y, d.Width, d.Height, d.Version)
}
