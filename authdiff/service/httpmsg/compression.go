package httpmsg

import (
	"bytes"
	"io"
	"strings"

	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
)

const (
	encodingGzip    = "gzip"
	encodingDeflate = "deflate"
	encodingZstd    = "zstd"
)

// NormalizeEncoding normalizes a Content-Encoding header value.
// Returns the normalized encoding and whether it's a single supported encoding.
// Stacked encodings (e.g., "gzip, br") return ("", false) since we can't partially decode.
func NormalizeEncoding(encoding string) (string, bool) {
	encoding = strings.TrimSpace(strings.ToLower(encoding))
	if strings.Contains(encoding, ",") {
		return "", false
	}

	switch encoding {
	case encodingGzip, "x-gzip":
		return encodingGzip, true
	case encodingDeflate:
		return encodingDeflate, true
	case encodingZstd:
		return encodingZstd, true
	default:
		return encoding, false
	}
}

// DecodeBody removes a Content-Encoding from body.
// Returns (decoded data, wasCompressed). If wasCompressed is true but the returned data is
// nil, decoding failed. Unknown encodings return (original data, false).
func DecodeBody(body []byte, encoding string) ([]byte, bool) {
	normalized, supported := NormalizeEncoding(encoding)
	if !supported {
		return body, false
	}

	var decoded []byte
	var err error
	switch normalized {
	case encodingGzip:
		decoded, err = readAllFrom(gzip.NewReader(bytes.NewReader(body)))
	case encodingDeflate:
		// raw DEFLATE first, then zlib-wrapped
		if decoded, err = readAllClose(flate.NewReader(bytes.NewReader(body))); err != nil {
			decoded, err = readAllFrom(zlib.NewReader(bytes.NewReader(body)))
		}
	case encodingZstd:
		var zr *zstd.Decoder
		if zr, err = zstd.NewReader(bytes.NewReader(body)); err == nil {
			decoded, err = io.ReadAll(zr)
			zr.Close()
		}
	}
	if err != nil {
		return nil, true
	}
	return decoded, true
}

// EncodeBody compresses data with the given encoding. Unknown encodings return data unchanged.
func EncodeBody(data []byte, encoding string) ([]byte, error) {
	normalized, supported := NormalizeEncoding(encoding)
	if !supported {
		return data, nil
	}

	var buf bytes.Buffer
	var w io.WriteCloser
	switch normalized {
	case encodingGzip:
		w = gzip.NewWriter(&buf)
	case encodingDeflate:
		fw, err := flate.NewWriter(&buf, flate.DefaultCompression)
		if err != nil {
			return nil, err
		}
		w = fw
	case encodingZstd:
		zw, err := zstd.NewWriter(&buf)
		if err != nil {
			return nil, err
		}
		w = zw
	}
	if _, err := w.Write(data); err != nil {
		return nil, err
	} else if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func readAllFrom(r io.ReadCloser, err error) ([]byte, error) {
	if err != nil {
		return nil, err
	}
	return readAllClose(r)
}

func readAllClose(r io.ReadCloser) ([]byte, error) {
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}
