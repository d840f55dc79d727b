package dto

import "time"

type CreateEnrollKeyRequest struct {
	IdentityID string `json:"identity_id" binding:"required"`
}

type EnrollKeyResponse struct {
	Key        string    `json:"key,omitempty"`
	IdentityID string    `json:"identity_id"`
	CreatedAt  time.Time `json:"created_at"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type ListEnrollKeysResponse struct {
	Keys []EnrollKeyResponse `json:"keys"`
}

type EnrollRequest struct {
	Key string `json:"key" binding:"required"`
}

type EnrollResponse struct {
	Identity   IdentityResponse   `json:"identity"`
	Credential CredentialResponse `json:"credential"`
	CACertPEM  string             `json:"ca_cert_pem"`
}
