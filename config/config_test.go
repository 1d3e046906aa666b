package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-and-packages/catalog"
)

func load(t *testing.T, args ...string) (Config, error) {
	t.Helper()
	cmd := &cobra.Command{Use: "test"}
	require.NoError(t, RegisterFlags(cmd))
	require.NoError(t, cmd.ParseFlags(args))
	return LoadConfig(cmd)
}

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("IMAP_PASS", "")

	cfg, err := load(t, "--imap-host", "imap.example.com", "--imap-user", "me", "--imap-pass", "secret")
	require.NoError(t, err)

	assert.Equal(t, 993, cfg.IMAPPort)
	assert.True(t, cfg.UseTLS)
	assert.Equal(t, "INBOX", cfg.Folder)
	assert.Equal(t, "images", cfg.OutputDir)
	assert.Equal(t, 5*time.Second, cfg.GIFDuration)
	assert.Equal(t, catalog.DefaultSensors, cfg.Resources)
	assert.Equal(t, catalog.AmazonDomains, cfg.AmazonDomains)
	assert.Equal(t, 5*time.Minute, cfg.Interval)
	assert.Equal(t, 2*time.Minute, cfg.Timeout)
	assert.Equal(t, 10*time.Second, cfg.DownloadWait)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfigPasswordFromEnv(t *testing.T) {
	t.Setenv("IMAP_PASS", "from-env")

	cfg, err := load(t, "--imap-host", "imap.example.com", "--imap-user", "me")
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.IMAPPass)
}

func TestLoadConfigPrefixedEnv(t *testing.T) {
	t.Setenv("MAILPKG_IMAP_HOST", "env.example.com")
	t.Setenv("MAILPKG_IMAP_USER", "env-user")
	t.Setenv("MAILPKG_IMAP_PASS", "env-pass")
	t.Setenv("MAILPKG_AMAZON_FWDS", "me@example.com, amazon.fr")

	cfg, err := load(t, "--imap-user", "flag-user")
	require.NoError(t, err)

	assert.Equal(t, "env.example.com", cfg.IMAPHost)
	assert.Equal(t, "flag-user", cfg.IMAPUser)
	assert.Equal(t, []string{"me@example.com", "amazon.fr"}, cfg.AmazonForwards)
}

func TestLoadConfigUnderscoreFlags(t *testing.T) {
	t.Setenv("IMAP_PASS", "")

	cfg, err := load(t, "--imap_host", "imap.example.com", "--imap_user", "me", "--imap_pass", "secret", "--download_wait", "3s")
	require.NoError(t, err)
	assert.Equal(t, "imap.example.com", cfg.IMAPHost)
	assert.Equal(t, 3*time.Second, cfg.DownloadWait)
}

func TestLoadConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	content := strings.Join([]string{
		"mbox: /tmp/export.mbox",
		"gif-duration: 3",
		"log-level: WARNING",
		"resources:",
		"  - ups_delivered",
		"  - ups_delivering",
		"  - ups_packages",
	}, "\n")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	cfg, err := load(t, "--config", path)
	require.NoError(t, err)

	assert.Equal(t, "/tmp/export.mbox", cfg.MboxPath)
	assert.Equal(t, 3*time.Second, cfg.GIFDuration)
	assert.Equal(t, "warn", cfg.LogLevel)
	assert.Equal(t, []string{"ups_delivered", "ups_delivering", "ups_packages"}, cfg.Resources)
}

func TestLoadConfigMissingFile(t *testing.T) {
	_, err := load(t, "--config", filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

func TestValidateConfig(t *testing.T) {
	valid := func() Config {
		return Config{
			IMAPHost:     "imap.example.com",
			IMAPPort:     993,
			IMAPUser:     "me",
			IMAPPass:     "secret",
			OutputDir:    "images",
			GIFDuration:  5 * time.Second,
			Resources:    catalog.DefaultSensors,
			Interval:     time.Minute,
			Timeout:      time.Minute,
			DownloadWait: time.Second,
			LogLevel:     "info",
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{name: "valid", mutate: func(*Config) {}},
		{name: "mbox only", mutate: func(c *Config) { c.IMAPHost, c.IMAPUser, c.IMAPPass, c.MboxPath = "", "", "", "x.mbox" }},
		{name: "no source", mutate: func(c *Config) { c.IMAPHost = "" }, wantErr: "--imap-host or --mbox"},
		{name: "no user", mutate: func(c *Config) { c.IMAPUser = "" }, wantErr: "--imap-user"},
		{name: "no password", mutate: func(c *Config) { c.IMAPPass = "" }, wantErr: "IMAP_PASS"},
		{name: "port range", mutate: func(c *Config) { c.IMAPPort = 70000 }, wantErr: "--imap-port"},
		{name: "duration", mutate: func(c *Config) { c.GIFDuration = 0 }, wantErr: "--gif-duration"},
		{name: "log level", mutate: func(c *Config) { c.LogLevel = "loud" }, wantErr: "--log-level"},
		{name: "empty resources", mutate: func(c *Config) { c.Resources = nil }, wantErr: "--resources"},
		{
			name:    "derived before inputs",
			mutate:  func(c *Config) { c.Resources = []string{"ups_packages", "ups_delivered", "ups_delivering"} },
			wantErr: `"ups_packages" requires`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(&cfg)
			err := validateConfig(cfg)
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
