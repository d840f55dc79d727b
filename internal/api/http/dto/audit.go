package dto

import "encoding/json"

type AuditEntryResponse struct {
	Sequence     uint64          `json:"sequence"`
	EventID      string          `json:"event_id"`
	EventType    string          `json:"event_type"`
	IdentityID   string          `json:"identity_id"`
	Outcome      string          `json:"outcome"`
	Details      json.RawMessage `json:"details,omitempty"`
	Timestamp    string          `json:"timestamp"`
	PreviousHash string          `json:"previous_hash"`
	Hash         string          `json:"hash"`
}

type ListAuditEntriesResponse struct {
	Entries  []AuditEntryResponse `json:"entries"`
	Total    int                  `json:"total"`
	Page     int                  `json:"page"`
	PageSize int                  `json:"page_size"`
}

type VerifyAuditResponse struct {
	Valid    bool   `json:"valid"`
	Checked  int    `json:"checked"`
	BrokenAt uint64 `json:"broken_at,omitempty"`
	Message  string `json:"message,omitempty"`
}
