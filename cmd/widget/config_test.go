package main

import (
	"testing"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderConfigMasksSecrets(t *testing.T) {
	cfg := &Config{}
	cfg.Default.APIKey = "sb_anon_0123456789"
	cfg.Default.BaseURL = "http://localhost:54321"
	cfg.Default.OrganizationID = "org1"
	cfg.Session.RedisPassword = "hunter22hunter22"

	out, err := renderConfig(cfg)
	require.NoError(t, err)
	assert.NotContains(t, out, "sb_anon_0123456789")
	assert.NotContains(t, out, "hunter22hunter22")
	assert.Contains(t, out, "sb_a...6789")
	assert.Contains(t, out, "# realtime http://localhost:54321/realtime/v1")

	var back Config
	require.NoError(t, toml.Unmarshal([]byte(out), &back))
	assert.Equal(t, "org1", back.Default.OrganizationID)
	assert.Equal(t, "sb_anon_0123456789", cfg.Default.APIKey, "caller's config untouched")
}

func TestRenderConfigLeavesEmptySecretsEmpty(t *testing.T) {
	out, err := renderConfig(&Config{})
	require.NoError(t, err)
	assert.NotContains(t, out, "****")
	assert.NotContains(t, out, "# resolved")
}

func TestApplyConfigSetForgetsConversation(t *testing.T) {
	cfg := &Config{}
	cfg.Default.OrganizationID = "org1"
	cfg.Session.ConversationID = "c1"

	require.NoError(t, applyConfigSet(cfg, "default.visitor_name", "Vic"))
	assert.Equal(t, "c1", cfg.Session.ConversationID)

	require.NoError(t, applyConfigSet(cfg, "default.organization_id", "org1"))
	assert.Equal(t, "c1", cfg.Session.ConversationID, "unchanged org keeps the conversation")

	require.NoError(t, applyConfigSet(cfg, "default.organization_id", "org2"))
	assert.Empty(t, cfg.Session.ConversationID)

	assert.Error(t, applyConfigSet(cfg, "default.nope", "x"))
}
