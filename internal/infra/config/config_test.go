package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	path := writeConfig(t, `
node:
  hostname: localhost
  authorization: youshallnotpass
discord:
  token: bot-token
`)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, 2333, cfg.Node.Port)
	assert.False(t, cfg.Node.Secure)
	assert.Equal(t, 60, cfg.Node.Resume.Timeout)
	assert.Equal(t, 1, cfg.Discord.ShardCount)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoad_ValidationFailures(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "missing hostname",
			content: `
node:
  authorization: secret
discord:
  token: bot-token
`,
		},
		{
			name: "missing authorization",
			content: `
node:
  hostname: localhost
discord:
  token: bot-token
`,
		},
		{
			name: "port out of range",
			content: `
node:
  hostname: localhost
  port: 700000
  authorization: secret
discord:
  token: bot-token
`,
		},
		{
			name: "missing discord token",
			content: `
node:
  hostname: localhost
  authorization: secret
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.content))
			assert.Error(t, err)
		})
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("AUDIOLINK_AUTHORIZATION", "from-env")
	t.Setenv("DISCORD_TOKEN", "token-from-env")

	cfg, err := Load(writeConfig(t, `
node:
  hostname: localhost
  authorization: from-file
discord:
  token: token-from-file
`))
	require.NoError(t, err)

	assert.Equal(t, "from-env", cfg.Node.Authorization)
	assert.Equal(t, "token-from-env", cfg.Discord.Token)
}

func TestNodeConfig_Endpoints(t *testing.T) {
	tests := []struct {
		name       string
		secure     bool
		wantSocket string
		wantRest   string
	}{
		{"plain", false, "ws://node.example.com:2333", "http://node.example.com:2333"},
		{"secure", true, "wss://node.example.com:2333", "https://node.example.com:2333"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n := NodeConfig{Hostname: "node.example.com", Port: 2333, Secure: tt.secure}
			assert.Equal(t, tt.wantSocket, n.SocketEndpoint())
			assert.Equal(t, tt.wantRest, n.RestEndpoint())
		})
	}
}
