package output

import (
	"image/png"
	"io"

	"golang.org/x/image/tiff"

	"github.com/nasa-jpl/astrocap/camera"
)

func encodeTIFF(w io.Writer, f camera.Frame, m Metadata) error {
	return tiff.Encode(w, f.Image(), &tiff.Options{Compression: tiff.Uncompressed})
}

func encodePNG(w io.Writer, f camera.Frame, m Metadata) error {
	return png.Encode(w, f.Image())
}
