// -------------------------------------------------------------------------------
// Payload - Encoded Landing Record with Content Fingerprint
//
// Author: Alex Freidah
//
// A Payload pairs a landing record with its encoded JSON body and an ETag
// derived from that body. It is computed once per cache population and shared
// read-only by every request that hits the cached copy.
// -------------------------------------------------------------------------------

package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"sync"

	json "github.com/goccy/go-json"

	"github.com/afreidah/qr-landing/internal/storage"
)

// Payload is a landing record together with its external representation.
type Payload struct {
	Record storage.LandingRecord
	Body   []byte
	ETag   string

	mu       sync.Mutex
	variants map[string][]byte // content-coding -> encoded Body
}

// NewPayload encodes rec and fingerprints the result.
func NewPayload(rec *storage.LandingRecord) (*Payload, error) {
	body, err := json.Marshal(rec)
	if err != nil {
		return nil, fmt.Errorf("failed to encode landing record %s: %w", rec.ID, err)
	}
	return &Payload{
		Record: *rec,
		Body:   body,
		ETag:   Fingerprint(body),
	}, nil
}

// Fingerprint returns a quoted strong ETag: the hex form of the first 16 bytes
// of the SHA-256 digest of body.
func Fingerprint(body []byte) string {
	sum := sha256.Sum256(body)
	return `"` + hex.EncodeToString(sum[:16]) + `"`
}

// Variant returns Body transformed by encode, computing it at most once per
// coding for the lifetime of the payload.
func (p *Payload) Variant(coding string, encode func([]byte) ([]byte, error)) ([]byte, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if b, ok := p.variants[coding]; ok {
		return b, nil
	}
	b, err := encode(p.Body)
	if err != nil {
		return nil, err
	}
	if p.variants == nil {
		p.variants = make(map[string][]byte, 2)
	}
	p.variants[coding] = b
	return b, nil
}
