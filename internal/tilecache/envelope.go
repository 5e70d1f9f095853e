package tilecache

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
)

// tileEnvelope is the on-disk record for one persisted tile: one file
// per tile, keyed by descriptor hash.
type tileEnvelope struct {
	Part   int    `msgpack:"part"`
	X      int    `msgpack:"x"`
	Y      int    `msgpack:"y"`
	Width  int    `msgpack:"width"`
	Height int    `msgpack:"height"`
	Params string `msgpack:"params"`
	PNG    []byte `msgpack:"png"`
}

// EncodeEnvelope serializes desc+png into the on-disk msgpack format.
func EncodeEnvelope(desc Descriptor, png []byte) ([]byte, error) {
	env := tileEnvelope{
		Part: desc.Part, X: desc.X, Y: desc.Y,
		Width: desc.Width, Height: desc.Height,
		Params: desc.RenderParams, PNG: png,
	}
	data, err := msgpack.Marshal(&env)
	if err != nil {
		return nil, fmt.Errorf("marshal tile envelope: %w", err)
	}
	return data, nil
}

// DecodeEnvelope parses a previously-persisted tile file.
func DecodeEnvelope(data []byte) (Descriptor, []byte, error) {
	var env tileEnvelope
	if err := msgpack.Unmarshal(data, &env); err != nil {
		return Descriptor{}, nil, fmt.Errorf("unmarshal tile envelope: %w", err)
	}
	desc := Descriptor{Part: env.Part, X: env.X, Y: env.Y, Width: env.Width, Height: env.Height, RenderParams: env.Params}
	return desc, env.PNG, nil
}

// CachePath derives the one-subdirectory-per-document root from the
// document's public URI: a SHA-1 hash split into /a/b/c/rest... for
// directory fan-out. Deterministic: identical uri always yields an
// identical path.
func CachePath(tileCacheRoot, uri string) string {
	sum := sha1.Sum([]byte(uri))
	hexSum := hex.EncodeToString(sum[:])
	return filepath.Join(tileCacheRoot, hexSum[0:2], hexSum[2:4], hexSum[4:6], hexSum[6:])
}

// TilePath derives the on-disk path for one tile within a document's
// cache root, keyed by the descriptor's own hash.
func TilePath(docCacheRoot string, desc Descriptor) (string, error) {
	sum := sha1.Sum([]byte(desc.Key()))
	return filepath.Join(docCacheRoot, hex.EncodeToString(sum[:])+".tile"), nil
}
