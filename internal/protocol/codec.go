package protocol

import (
	"bytes"
	"compress/zlib"
	"encoding/base64"
	"io"
)

// compressThreshold is the minimum raw body length before
// compression is attempted. Smaller bodies are not worth the zlib
// framing overhead.
const compressThreshold = 1024

// CompressBody encodes a body for the wire. Bodies below the
// threshold travel as base64 of the raw bytes. Larger bodies are
// zlib-compressed, but the compressed form is used only when it is
// strictly shorter than the original.
func CompressBody(data []byte) (b64 string, compressed bool) {
	if len(data) < compressThreshold {
		return base64.StdEncoding.EncodeToString(data), false
	}

	var buf bytes.Buffer
	zw := zlib.NewWriter(&buf)
	if _, err := zw.Write(data); err == nil {
		if err := zw.Close(); err == nil && buf.Len() < len(data) {
			return base64.StdEncoding.EncodeToString(buf.Bytes()), true
		}
	}
	return base64.StdEncoding.EncodeToString(data), false
}

// DecompressBody reverses CompressBody. Decoding is best-effort and
// never fails: undecodable base64 yields empty bytes, and a failed
// inflate yields the raw decoded bytes.
func DecompressBody(b64 string, compressed bool) []byte {
	raw, err := base64.StdEncoding.DecodeString(b64)
	if err != nil {
		return nil
	}
	if !compressed {
		return raw
	}

	zr, err := zlib.NewReader(bytes.NewReader(raw))
	if err != nil {
		return raw
	}
	defer zr.Close()

	out, err := io.ReadAll(zr)
	if err != nil {
		return raw
	}
	return out
}
