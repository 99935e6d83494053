package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad(t *testing.T) {
	t.Setenv("JWT_SECRET", "secret")
	t.Setenv("S3_USE_PATH_STYLE", "true")
	t.Setenv("ATTACHMENTS_URL_CACHE_TTL", "30s")
	t.Setenv("MAX_UPLOAD_SIZE_MB", "not-a-number")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "secret", cfg.JWT.Secret)
	assert.True(t, cfg.S3.UsePathStyle)
	assert.Equal(t, 30*time.Second, cfg.Attachments.URLCacheTTL)
	assert.Equal(t, int64(20), cfg.Server.MaxUploadSizeMB, "unparsable values fall back to the default")
	assert.Equal(t, "attachments.yaml", cfg.Attachments.DefinitionsFile)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		return &Config{
			JWT:         JWTConfig{Secret: "s"},
			Attachments: AttachmentsConfig{DefinitionsFile: "a.yaml", PublicPrefix: "/system"},
		}
	}

	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr string
	}{
		{name: "valid", mutate: func(c *Config) {}},
		{name: "missing jwt secret", mutate: func(c *Config) { c.JWT.Secret = "" }, wantErr: "JWT_SECRET"},
		{name: "missing definitions", mutate: func(c *Config) { c.Attachments.DefinitionsFile = "" }, wantErr: "ATTACHMENTS_FILE"},
		{name: "half s3 credentials", mutate: func(c *Config) { c.S3.AccessKeyID = "k" }, wantErr: "S3_SECRET_ACCESS_KEY"},
		{name: "otel without endpoint", mutate: func(c *Config) { c.OTEL.Enabled = true }, wantErr: "OTEL_EXPORTER_OTLP_ENDPOINT"},
		{name: "relative public prefix", mutate: func(c *Config) { c.Attachments.PublicPrefix = "files" }, wantErr: "ATTACHMENTS_PUBLIC_PREFIX"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := valid()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}
