// Package config loads credentials and endpoints from the environment.
// Runtime knobs live on the command line.
package config

import (
	"errors"

	"github.com/kelseyhightower/envconfig"
)

type Config struct {
	Graph  GraphConfig
	Baidu  BaiduConfig
	Secret SecretConfig
	Minio  MinioConfig
}

type GraphConfig struct {
	ClientID string `envconfig:"GRAPH_CLIENT_ID" required:"true"`
	TenantID string `envconfig:"GRAPH_TENANT_ID" required:"true"`
	Secret   string `envconfig:"GRAPH_SECRET" required:"true"`
	UserID   string `envconfig:"GRAPH_USER_ID" required:"true"`
	Host     string `envconfig:"GRAPH_HOST" default:"https://graph.microsoft.com/v1.0"`
	TokenURL string `envconfig:"GRAPH_TOKEN_URL"`
}

type BaiduConfig struct {
	ClientID     string `envconfig:"BAIDU_CLIENT_ID" required:"true"`
	ClientSecret string `envconfig:"BAIDU_CLIENT_SECRET" required:"true"`
	// RefreshToken seeds the first run; later runs use the sealed copy.
	RefreshToken string `envconfig:"BAIDU_REFRESH_TOKEN"`
	Host         string `envconfig:"BAIDU_HOST" default:"https://pan.baidu.com"`
	TokenURL     string `envconfig:"BAIDU_TOKEN_URL" default:"https://openapi.baidu.com/oauth/2.0/token?openapi=xpansdk"`
}

// SecretConfig holds the AES key that seals rotated refresh tokens.
type SecretConfig struct {
	Key            string `envconfig:"REFRESH_TOKEN_KEY"`
	AssociatedData string `envconfig:"REFRESH_TOKEN_ASSOCIATED_DATA"`
}

// Enabled reports whether rotated tokens should be persisted.
func (s SecretConfig) Enabled() bool { return s.Key != "" }

type MinioConfig struct {
	AccessKey string `envconfig:"MINIO_ACCESS_KEY"`
	SecretKey string `envconfig:"MINIO_SECRET_KEY"`
	UseSSL    bool   `envconfig:"MINIO_USE_SSL" default:"true"`
}

var ErrNoRefreshToken = errors.New("config: BAIDU_REFRESH_TOKEN is empty and no sealed token can be read (set REFRESH_TOKEN_KEY)")

func Load() (*Config, error) {
	var cfg Config

	if err := envconfig.Process("", &cfg); err != nil {
		return nil, err
	}
	if cfg.Baidu.RefreshToken == "" && !cfg.Secret.Enabled() {
		return nil, ErrNoRefreshToken
	}

	return &cfg, nil
}
