package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
)

type ConfigSuite struct {
	suite.Suite
}

func TestConfigSuite(t *testing.T) {
	suite.Run(t, new(ConfigSuite))
}

func (s *ConfigSuite) setRequired() {
	s.T().Setenv("WEBHOOK_SECRET", "secret")
	s.T().Setenv("PROVIDER", "wuzapi")
	s.T().Setenv("WUZAPI_BASE_URL", "http://relay.local")
	s.T().Setenv("COMPLETION_URL", "http://ai.local/api/chat")
}

func (s *ConfigSuite) TestDefaults() {
	s.setRequired()
	cfg := FromEnv()
	s.Require().NoError(cfg.Validate())

	s.Equal("8080", cfg.Port)
	s.Equal("/webhooks/relay", cfg.WebhookPath)
	s.Equal(1, cfg.MaxSessionsPerUser)
	s.Equal(5, cfg.MaxReconnectAttempts)
	s.Equal(time.Second, cfg.ReconnectBaseDelay)
	s.Equal(30*time.Second, cfg.ReconnectMaxDelay)
	s.Equal(3, cfg.SendRetryAttempts)
	s.Equal(5*time.Second, cfg.SendRetryBaseDelay)
	s.Equal(30*time.Second, cfg.RequestTimeout)
	s.Equal(10*time.Second, cfg.KeepAliveInterval)
	s.Equal(10*time.Second, cfg.MonitorInterval)
	s.Equal(4096, cfg.MaxMessageLength)
	s.False(cfg.EnableWebSearch)
	s.False(cfg.S3.Enabled)
}

func (s *ConfigSuite) TestOverrides() {
	s.setRequired()
	s.T().Setenv("MAX_SESSIONS_PER_USER", "3")
	s.T().Setenv("RECONNECT_BASE_DELAY", "250ms")
	s.T().Setenv("ENABLE_WEB_SEARCH", "true")
	s.T().Setenv("PUBLIC_BASE_URL", "https://gw.example.com/")

	cfg := FromEnv()
	s.Equal(3, cfg.MaxSessionsPerUser)
	s.Equal(250*time.Millisecond, cfg.ReconnectBaseDelay)
	s.True(cfg.EnableWebSearch)
	s.Equal("https://gw.example.com/webhooks/relay", cfg.WebhookURL())
}

func (s *ConfigSuite) TestMalformedValuesFallBack() {
	s.setRequired()
	s.T().Setenv("MAX_RECONNECT_ATTEMPTS", "-2")
	s.T().Setenv("REQUEST_TIMEOUT", "soon")
	s.T().Setenv("ENABLE_TOOLS", "maybe")

	cfg := FromEnv()
	s.Equal(5, cfg.MaxReconnectAttempts)
	s.Equal(30*time.Second, cfg.RequestTimeout)
	s.False(cfg.EnableTools)
}

func (s *ConfigSuite) TestValidate() {
	s.setRequired()

	s.T().Setenv("WEBHOOK_SECRET", "")
	s.ErrorContains(FromEnv().Validate(), "WEBHOOK_SECRET")

	s.T().Setenv("WEBHOOK_SECRET", "secret")
	s.T().Setenv("PROVIDER", "carrier-pigeon")
	s.ErrorContains(FromEnv().Validate(), "unknown PROVIDER")

	s.T().Setenv("PROVIDER", "evolution")
	s.ErrorContains(FromEnv().Validate(), "EVOLUTION_BASE_URL")

	s.T().Setenv("EVOLUTION_BASE_URL", "http://evo.local")
	s.NoError(FromEnv().Validate())

	s.T().Setenv("S3_ENABLED", "true")
	s.ErrorContains(FromEnv().Validate(), "S3_BUCKET")
}
