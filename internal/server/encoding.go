// -------------------------------------------------------------------------------
// Response Encoding - Accept-Encoding Negotiation
//
// Author: Alex Freidah
//
// Picks a content-coding for landing bodies from the client's Accept-Encoding
// header. Brotli wins over gzip at equal preference. Bodies below the
// configured threshold are sent as-is. Encoded bodies are memoized on the
// payload so a hot landing page is compressed once per coding.
// -------------------------------------------------------------------------------

package server

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/gzip"
)

const (
	codingBrotli   = "br"
	codingGzip     = "gzip"
	codingIdentity = "identity"

	brotliLevel = 5
)

// negotiateEncoding returns the preferred supported coding in acceptEncoding,
// or identity when none is acceptable.
func negotiateEncoding(acceptEncoding string) string {
	if acceptEncoding == "" {
		return codingIdentity
	}

	var brQ, gzQ, starQ float64 = -1, -1, -1
	for _, part := range strings.Split(acceptEncoding, ",") {
		name, q := parseCoding(part)
		switch name {
		case codingBrotli:
			brQ = q
		case codingGzip, "x-gzip":
			gzQ = q
		case "*":
			starQ = q
		}
	}
	if brQ < 0 {
		brQ = starQ
	}
	if gzQ < 0 {
		gzQ = starQ
	}

	switch {
	case brQ > 0 && brQ >= gzQ:
		return codingBrotli
	case gzQ > 0:
		return codingGzip
	default:
		return codingIdentity
	}
}

// parseCoding splits one Accept-Encoding element into a lowercased coding and
// its quality value. A missing or malformed q counts as 1.
func parseCoding(part string) (string, float64) {
	name, params, _ := strings.Cut(part, ";")
	name = strings.ToLower(strings.TrimSpace(name))
	q := 1.0
	for _, p := range strings.Split(params, ";") {
		k, v, ok := strings.Cut(strings.TrimSpace(p), "=")
		if !ok || strings.ToLower(strings.TrimSpace(k)) != "q" {
			continue
		}
		if f, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
			q = f
		}
	}
	return name, q
}

// encoderFor returns the body encoder for a negotiated coding.
func encoderFor(coding string) func([]byte) ([]byte, error) {
	switch coding {
	case codingBrotli:
		return encodeBrotli
	case codingGzip:
		return encodeGzip
	default:
		return nil
	}
}

func encodeBrotli(in []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(in)))
	bw := brotli.NewWriterLevel(buf, brotliLevel)
	if _, err := bw.Write(in); err != nil {
		return nil, fmt.Errorf("failed to brotli-encode body: %w", err)
	}
	if err := bw.Close(); err != nil {
		return nil, fmt.Errorf("failed to brotli-encode body: %w", err)
	}
	return buf.Bytes(), nil
}

func encodeGzip(in []byte) ([]byte, error) {
	buf := bytes.NewBuffer(make([]byte, 0, len(in)))
	gw, err := gzip.NewWriterLevel(buf, gzip.DefaultCompression)
	if err != nil {
		return nil, fmt.Errorf("failed to create gzip writer: %w", err)
	}
	if _, err := gw.Write(in); err != nil {
		return nil, fmt.Errorf("failed to gzip-encode body: %w", err)
	}
	if err := gw.Close(); err != nil {
		return nil, fmt.Errorf("failed to gzip-encode body: %w", err)
	}
	return buf.Bytes(), nil
}
