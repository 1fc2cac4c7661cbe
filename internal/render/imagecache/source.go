package imagecache

import (
	"fmt"
	"image"
	"image/png"
	"os"
	"path/filepath"
	"strings"
)

// Source loads the undecorated bitmap of an asset.
type Source interface {
	Open(assetID string) (image.Image, error)
}

// DirSource reads <Dir>/<asset>.png.
type DirSource struct {
	Dir string
}

func (d DirSource) Open(assetID string) (image.Image, error) {
	if assetID == "" || strings.ContainsAny(assetID, `/\`) || strings.Contains(assetID, "..") {
		return nil, fmt.Errorf("%w: %q", ErrUnknownAsset, assetID)
	}
	f, err := os.Open(filepath.Join(d.Dir, assetID+".png"))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
		}
		return nil, err
	}
	defer f.Close()
	img, err := png.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("decode %s: %w", assetID, err)
	}
	return img, nil
}

// MapSource serves in-memory images.
type MapSource map[string]image.Image

func (m MapSource) Open(assetID string) (image.Image, error) {
	img, ok := m[assetID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAsset, assetID)
	}
	return img, nil
}
