package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"

	"github.com/runtimefence/fence/internal/api/http/dto"
)

// Exit code for a denied action; distinct from 1 so callers can tell a
// denial from a transport failure.
const exitDenied = 3

func runCheck(args []string) error {
	fs := flag.NewFlagSet("check", flag.ExitOnError)
	server := fs.String("server", os.Getenv("FENCE_SERVER"), "Server URL")
	apiKey := fs.String("api-key", os.Getenv("FENCE_API_KEY"), "Enforcement API key")
	identityID := fs.String("identity", os.Getenv("FENCE_IDENTITY_ID"), "Agent identity id")
	action := fs.String("action", "", "Action type (read, write, transfer, ...)")
	target := fs.String("target", "", "Action target")
	amount := fs.Float64("amount", 0, "Transaction amount, if any")
	if err := fs.Parse(args); err != nil {
		return err
	}

	if *server == "" {
		return fmt.Errorf("--server or FENCE_SERVER is required")
	}
	if *identityID == "" {
		return fmt.Errorf("--identity or FENCE_IDENTITY_ID is required")
	}
	if *action == "" {
		return fmt.Errorf("--action is required")
	}

	reqBody, err := json.Marshal(dto.ValidateRequest{
		IdentityID: *identityID,
		ActionType: *action,
		Target:     *target,
		Amount:     *amount,
	})
	if err != nil {
		return fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequest(http.MethodPost, *server+"/api/v1/validate", bytes.NewBuffer(reqBody))
	if err != nil {
		return fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-API-Key", *apiKey)

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to server: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("validation request failed (HTTP %d): %s", resp.StatusCode, string(body))
	}

	var result dto.ValidateResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}

	verdict := "ALLOWED"
	if !result.Allowed {
		verdict = "DENIED"
	}
	fmt.Printf("%s  risk=%d (%s)  latency=%.1fms\n", verdict, result.RiskScore, result.RiskLevel, result.LatencyMs)
	if len(result.Reasons) > 0 {
		fmt.Printf("  reasons: %s\n", strings.Join(result.Reasons, "; "))
	}

	if !result.Allowed {
		os.Exit(exitDenied)
	}
	return nil
}
