package store

import (
	"encoding/json"
	"time"

	"github.com/tokenvault/tokenvault/tokenerr"
)

// TokenRecord is the stored payload associated with one refresh token.
// Timestamps are Unix milliseconds. ExpiresAt mirrors the key TTL for
// diagnostic reads; the TTL remains authoritative.
type TokenRecord struct {
	UserID    string `json:"user_id"`
	DeviceID  string `json:"device_id"`
	IssuedAt  int64  `json:"issued_at"`
	ExpiresAt int64  `json:"expires_at,omitempty"`
	Used      bool   `json:"used"`
}

// BatchEntry is one item of a best-effort batch save.
type BatchEntry struct {
	Token    string
	UserID   string
	DeviceID string
}

// UserStats is the aggregated view of one user's token population.
// Estimated is set when the index exceeded the scan budget and counts were
// extrapolated from the scanned sample instead of a full scan.
type UserStats struct {
	ActiveTokens int  `json:"active_tokens"`
	TotalTokens  int  `json:"total_tokens"`
	DeviceCount  int  `json:"device_count"`
	Estimated    bool `json:"estimated,omitempty"`
}

func encodeRecord(rec *TokenRecord) ([]byte, error) {
	data, err := json.Marshal(rec)
	if err != nil {
		return nil, tokenerr.NewValidation("record", "payload not encodable: "+err.Error())
	}
	return data, nil
}

// decodeRecord surfaces a corrupted stored payload as a ValidationError.
// Corruption is data loss and must never be silently treated as absence.
func decodeRecord(data []byte) (*TokenRecord, error) {
	var rec TokenRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, tokenerr.NewValidation("record", "corrupted stored payload")
	}
	if rec.UserID == "" {
		return nil, tokenerr.NewValidation("record", "stored payload missing user id")
	}
	return &rec, nil
}

// Expired reports whether the record's embedded expiry has passed. Records
// without an embedded expiry rely on the key TTL alone.
func (r *TokenRecord) Expired(now time.Time) bool {
	return r.ExpiresAt > 0 && r.ExpiresAt <= now.UnixMilli()
}

func (r *TokenRecord) clone() *TokenRecord {
	cp := *r
	return &cp
}
