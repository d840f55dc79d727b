package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitConfigUsesOneJWTSecret(t *testing.T) {
	t.Setenv("JWT_SECRET", "super-secret")

	InitConfig()

	require.Equal(t, "super-secret", config.Auth.Secret)
	// Tokens signed with auth.secret must be validated with the same secret.
	assert.Equal(t, config.Auth.Secret, config.Http.JWTSecret)
}

func TestInitConfigBindsAgentAPIKey(t *testing.T) {
	t.Setenv("AGENT_API_KEY", "agent-key-from-env")

	InitConfig()

	assert.Equal(t, "agent-key-from-env", config.Http.AgentAPIKey)
}
