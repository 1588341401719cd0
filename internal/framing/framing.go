// Package framing compresses and decompresses the raw TUN frames that
// travel inside upstream fragments and downstream payloads.
//
// The wire format is exactly what zlib produces: the dispatcher and
// the TUN ingress path never see anything but whole frames (link
// header + IP packet) on one side and a zlib stream on the other.
package framing

import (
	"bytes"
	"fmt"
	"io"

	"github.com/klauspost/compress/zlib"
)

// MaxFrame is the largest frame (compressed or decompressed) this
// package will produce or accept, matching the per-session 64 KiB
// buffers described in the spec's resource caps.
const MaxFrame = 65536

// Compress compresses frame at maximum compression level, matching
// the reference implementation's compress2(..., level=9) call.
func Compress(frame []byte) ([]byte, error) {
	var buf bytes.Buffer
	w, err := zlib.NewWriterLevel(&buf, zlib.BestCompression)
	if err != nil {
		return nil, fmt.Errorf("framing: new zlib writer: %w", err)
	}
	if _, err := w.Write(frame); err != nil {
		w.Close()
		return nil, fmt.Errorf("framing: compress: %w", err)
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("framing: close zlib writer: %w", err)
	}
	return buf.Bytes(), nil
}

// Decompress inflates a compressed frame previously produced by
// Compress (or by the client's own zlib encoder). The result is
// capped at MaxFrame bytes to bound memory use against a malicious or
// corrupt stream.
func Decompress(compressed []byte) ([]byte, error) {
	r, err := zlib.NewReader(bytes.NewReader(compressed))
	if err != nil {
		return nil, fmt.Errorf("framing: new zlib reader: %w", err)
	}
	defer r.Close()

	out, err := io.ReadAll(io.LimitReader(r, MaxFrame+1))
	if err != nil {
		return nil, fmt.Errorf("framing: decompress: %w", err)
	}
	if len(out) > MaxFrame {
		return nil, fmt.Errorf("framing: decompressed frame exceeds %d bytes", MaxFrame)
	}
	return out, nil
}
