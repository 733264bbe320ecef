package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, time.Minute, cfg.Engine.TickInterval)
	assert.Equal(t, time.Duration(0), cfg.Engine.DueWindow)
	assert.Equal(t, 2*time.Hour, cfg.Engine.GracePeriod)
	assert.Equal(t, 24*time.Hour, cfg.Engine.MissedHorizon)
	assert.Equal(t, 60*time.Second, cfg.Alerts.AttentionWindow)
	assert.Equal(t, 2, cfg.Escalation.Threshold)
	assert.Equal(t, 5*time.Minute, cfg.Escalation.RetryBackoff)
	assert.Equal(t, 4, cfg.Escalation.Send.Workers)
	assert.Equal(t, 3, cfg.Escalation.Send.MaxRetries)
	assert.Equal(t, "log", cfg.Messaging.Provider)
	assert.Equal(t, "MediMeet", cfg.Messaging.Vonage.From)
	assert.Equal(t, uint32(5), cfg.Messaging.Breaker.ConsecutiveFailures)
	assert.Equal(t, []string{"localhost:9092"}, cfg.Kafka.Brokers)
	assert.Equal(t, map[string]string{"demo-api-key-12345": "demo-client"}, cfg.Auth.Clients())
}

func TestLoadEnvOverrides(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("ADHERENCE_SERVER_PORT", "9090")
	t.Setenv("ADHERENCE_ENGINE_GRACE_PERIOD", "90m")
	t.Setenv("ADHERENCE_ESCALATION_THRESHOLD", "3")
	t.Setenv("ADHERENCE_DATABASE_URL", "postgres://localhost/adherence")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 9090, cfg.Server.Port)
	assert.Equal(t, 90*time.Minute, cfg.Engine.GracePeriod)
	assert.Equal(t, 3, cfg.Escalation.Threshold)
	assert.Equal(t, "postgres://localhost/adherence", cfg.Database.URL)
}

func TestLoadDotEnvAndFile(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)

	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"),
		[]byte("ADHERENCE_MESSAGING_PROVIDER=vonage\nADHERENCE_MESSAGING_VONAGE_API_KEY=k\nADHERENCE_MESSAGING_VONAGE_API_SECRET=s\n"), 0o600))
	t.Cleanup(func() {
		for _, k := range []string{"ADHERENCE_MESSAGING_PROVIDER", "ADHERENCE_MESSAGING_VONAGE_API_KEY", "ADHERENCE_MESSAGING_VONAGE_API_SECRET"} {
			os.Unsetenv(k)
		}
	})

	file := filepath.Join(dir, "adherence.yaml")
	require.NoError(t, os.WriteFile(file, []byte("engine:\n  tick_interval: 30s\nalerts:\n  attention_window: 2m\n"), 0o600))

	cfg, err := Load(file)
	require.NoError(t, err)
	assert.Equal(t, "vonage", cfg.Messaging.Provider)
	assert.Equal(t, "k", cfg.Messaging.Vonage.APIKey)
	assert.Equal(t, 30*time.Second, cfg.Engine.TickInterval)
	assert.Equal(t, 2*time.Minute, cfg.Alerts.AttentionWindow)
}

func TestValidateRejectsBadSettings(t *testing.T) {
	chdir(t, t.TempDir())
	cfg, err := Load("")
	require.NoError(t, err)

	cfg.Engine.MissedHorizon = cfg.Engine.GracePeriod
	cfg.Messaging.Provider = "pigeon"
	err = cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missed_horizon")
	assert.Contains(t, err.Error(), "pigeon")
}

func TestClientsParsing(t *testing.T) {
	a := AuthConfig{APIKeys: []string{"k1:web", " k2 ", ":nobody", "k3:"}}
	assert.Equal(t, map[string]string{"k1": "web", "k2": "default", "k3": "default"}, a.Clients())
}

// chdir mirrors testing.T.Chdir (Go 1.24+) for older toolchains.
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { _ = os.Chdir(prev) })
}
