package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/runtimefence/fence/internal/api/http/dto"
)

func runEnroll(args []string) error {
	fs := flag.NewFlagSet("enroll", flag.ExitOnError)
	server := fs.String("server", "", "Server URL (e.g., http://fence:8080)")
	key := fs.String("key", "", "One-time enrollment key")
	certDir := fs.String("cert-dir", "./certs", "Directory to save credentials")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server is required")
	}
	if *key == "" {
		return fmt.Errorf("--key is required")
	}

	reqBody, err := json.Marshal(dto.EnrollRequest{Key: *key})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	url := *server + "/api/v1/enroll"
	resp, err := http.Post(url, "application/json", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("enrollment failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var enrollResp dto.EnrollResponse
	if err := json.Unmarshal(body, &enrollResp); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	// Identity ids contain slashes; flatten for the on-disk layout.
	identityDir := filepath.Join(*certDir, "identity")
	caDir := filepath.Join(*certDir, "ca")

	if err := os.MkdirAll(identityDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", identityDir, err)
	}
	if err := os.MkdirAll(caDir, 0755); err != nil {
		return fmt.Errorf("failed to create directory %s: %w", caDir, err)
	}

	certPath := filepath.Join(identityDir, "cert.pem")
	keyPath := filepath.Join(identityDir, "key.pem")
	caPath := filepath.Join(caDir, "ca-cert.pem")

	if err := os.WriteFile(certPath, []byte(enrollResp.Credential.CertificatePEM), 0644); err != nil {
		return fmt.Errorf("failed to write cert: %w", err)
	}
	if err := os.WriteFile(keyPath, []byte(enrollResp.Credential.PrivateKeyPEM), 0600); err != nil {
		return fmt.Errorf("failed to write key: %w", err)
	}
	if err := os.WriteFile(caPath, []byte(enrollResp.CACertPEM), 0644); err != nil {
		return fmt.Errorf("failed to write CA cert: %w", err)
	}

	fmt.Println("Enrollment successful!")
	fmt.Printf("  Identity:   %s\n", enrollResp.Identity.ID)
	fmt.Printf("  Expires at: %s\n", enrollResp.Credential.ExpiresAt)
	fmt.Printf("  Cert:       %s\n", certPath)
	fmt.Printf("  Key:        %s\n", keyPath)
	fmt.Printf("  CA Cert:    %s\n", caPath)
	fmt.Println()
	fmt.Println("Export the identity for later checks:")
	fmt.Println()
	fmt.Printf("  export FENCE_IDENTITY_ID=%q\n", enrollResp.Identity.ID)

	return nil
}
