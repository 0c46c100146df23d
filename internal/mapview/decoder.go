package mapview

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
)

// DecodeSnapshot validates s and converts its cells to raster order.
func DecodeSnapshot(s GridSnapshot) (DecodedSnapshot, error) {
	if err := s.Geometry.Validate(); err != nil {
		return DecodedSnapshot{}, err
	}
	if len(s.Cells) != s.Width*s.Height {
		return DecodedSnapshot{}, fmt.Errorf("%w: got %d cells for %dx%d", ErrSizeMismatch, len(s.Cells), s.Width, s.Height)
	}
	return DecodedSnapshot{
		Geometry: s.Geometry,
		Cells:    flipRows(s.Cells, s.Width, s.Height),
	}, nil
}

// DecodePatch unpacks p against the active geometry. A nil geometry means no
// grid is active and the patch is rejected.
func DecodePatch(p GridPatch, active *Geometry) (DecodedPatch, error) {
	if !validSize(p.Width, p.Height) {
		return DecodedPatch{}, fmt.Errorf("%w: patch size %dx%d", ErrInvalidGeometry, p.Width, p.Height)
	}
	if active == nil {
		return DecodedPatch{}, ErrNoGeometry
	}
	if p.Version != 0 && active.Version != 0 && p.Version != active.Version {
		return DecodedPatch{}, fmt.Errorf("%w: patch v%d, active v%d", ErrVersionMismatch, p.Version, active.Version)
	}
	// nothing is decompressed for a rectangle that cannot land on the grid
	if p.X >= active.Width || p.Y >= active.Height || p.X <= -p.Width || p.Y <= -p.Height {
		return DecodedPatch{}, fmt.Errorf("%w: patch (%d,%d) %dx%d outside %dx%d grid", ErrInvalidGeometry, p.X, p.Y, p.Width, p.Height, active.Width, active.Height)
	}
	if p.Width*p.Height > active.Width*active.Height {
		return DecodedPatch{}, fmt.Errorf("%w: patch %dx%d larger than %dx%d grid", ErrInvalidGeometry, p.Width, p.Height, active.Width, active.Height)
	}
	if p.ExpectedDecodedLength != p.Width*p.Height {
		return DecodedPatch{}, fmt.Errorf("%w: expected length %d for %dx%d patch", ErrLengthMismatch, p.ExpectedDecodedLength, p.Width, p.Height)
	}

	raw, err := decompressPayload(p.Encoding, p.Payload, p.ExpectedDecodedLength)
	if err != nil {
		return DecodedPatch{}, err
	}
	if len(raw) != p.ExpectedDecodedLength {
		return DecodedPatch{}, fmt.Errorf("%w: got %d bytes, want %d", ErrLengthMismatch, len(raw), p.ExpectedDecodedLength)
	}

	values := make([]int8, len(raw))
	for i, b := range raw {
		values[i] = int8(b)
	}
	return DecodedPatch{
		X:       p.X,
		Y:       p.Y,
		Width:   p.Width,
		Height:  p.Height,
		Version: p.Version,
		Cells:   flipRows(values, p.Width, p.Height),
	}, nil
}

// flipRows classifies grid-order values into raster order.
func flipRows(values []int8, width, height int) []Cell {
	out := make([]Cell, len(values))
	for row := 0; row < height; row++ {
		src := values[row*width : (row+1)*width]
		dst := out[(height-row-1)*width : (height-row)*width]
		for col, v := range src {
			dst[col] = ClassifyCell(v)
		}
	}
	return out
}

func decompressPayload(encoding string, payload []byte, expected int) ([]byte, error) {
	codec, wrapped, err := parseEncoding(encoding)
	if err != nil {
		return nil, err
	}

	data := payload
	if wrapped {
		data, err = decodeBase64(payload)
		if err != nil {
			return nil, fmt.Errorf("%w: base64: %v", ErrDecompress, err)
		}
	}

	var r io.ReadCloser
	src := bytes.NewReader(data)
	switch codec {
	case "zlib":
		r, err = zlib.NewReader(src)
	case "gzip":
		r, err = gzip.NewReader(src)
	case "deflate":
		r = flate.NewReader(src)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompress, codec, err)
	}
	defer r.Close()

	// Read one byte past the expected length so oversize streams are caught
	// without inflating them fully.
	out, err := io.ReadAll(io.LimitReader(r, int64(expected)+1))
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrDecompress, codec, err)
	}
	return out, nil
}

func parseEncoding(encoding string) (codec string, base64Wrapped bool, err error) {
	tag := strings.ToLower(strings.TrimSpace(encoding))
	codec = tag
	if i := strings.IndexByte(tag, '+'); i >= 0 {
		if tag[i+1:] != "base64" {
			return "", false, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
		}
		codec, base64Wrapped = tag[:i], true
	}
	switch codec {
	case "zlib", "deflate", "gzip":
		return codec, base64Wrapped, nil
	}
	return "", false, fmt.Errorf("%w: %q", ErrUnknownEncoding, encoding)
}

func decodeBase64(b []byte) ([]byte, error) {
	s := strings.TrimSpace(string(b))
	if out, err := base64.StdEncoding.DecodeString(s); err == nil {
		return out, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}

// EncodePatch compresses grid-order values into a patch using the given
// encoding tag. It is the inverse of DecodePatch and is used by fixtures and
// by the map cache.
func EncodePatch(x, y, width, height int, values []int8, encoding string) (GridPatch, error) {
	if len(values) != width*height {
		return GridPatch{}, fmt.Errorf("%w: got %d values for %dx%d", ErrSizeMismatch, len(values), width, height)
	}
	codec, wrapped, err := parseEncoding(encoding)
	if err != nil {
		return GridPatch{}, err
	}

	raw := make([]byte, len(values))
	for i, v := range values {
		raw[i] = byte(v)
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch codec {
	case "zlib":
		w = zlib.NewWriter(&buf)
	case "gzip":
		w = gzip.NewWriter(&buf)
	case "deflate":
		w, err = flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return GridPatch{}, err
		}
	}
	if _, err := w.Write(raw); err != nil {
		return GridPatch{}, err
	}
	if err := w.Close(); err != nil {
		return GridPatch{}, err
	}

	payload := buf.Bytes()
	if wrapped {
		payload = []byte(base64.StdEncoding.EncodeToString(payload))
	}
	return GridPatch{
		X:                     x,
		Y:                     y,
		Width:                 width,
		Height:                height,
		Encoding:              encoding,
		Payload:               payload,
		ExpectedDecodedLength: len(values),
	}, nil
}
