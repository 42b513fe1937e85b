// Package vault resolves secrets from HashiCorp Vault KV engines.
package vault

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	vault "github.com/hashicorp/vault/api"
)

// DefaultKey is read when a reference carries no "#key" suffix.
const DefaultKey = "value"

// Config holds configuration for the Vault provider.
type Config struct {
	Address    string `yaml:"address"`
	AuthMethod string `yaml:"auth_method"` // "token", "approle" or "cert"
	Token      string `yaml:"token"`
	RoleID     string `yaml:"role_id"`
	SecretID   string `yaml:"secret_id"`
	CACert     string `yaml:"ca_cert"`
	ClientCert string `yaml:"client_cert"`
	ClientKey  string `yaml:"client_key"`
}

// Provider implements secret.Provider for Vault.
type Provider struct {
	client *vault.Client
	logger *slog.Logger

	stopCh    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// New logs in to Vault and, for renewable tokens, keeps the token alive
// until Close.
func New(cfg Config, logger *slog.Logger) (*Provider, error) {
	vConfig := vault.DefaultConfig()
	vConfig.Address = cfg.Address

	if cfg.ClientCert != "" || cfg.ClientKey != "" || cfg.CACert != "" {
		tlsConfig := &vault.TLSConfig{
			ClientCert: cfg.ClientCert,
			ClientKey:  cfg.ClientKey,
			CACert:     cfg.CACert,
		}
		if err := vConfig.ConfigureTLS(tlsConfig); err != nil {
			return nil, fmt.Errorf("configure tls: %w", err)
		}
	}

	client, err := vault.NewClient(vConfig)
	if err != nil {
		return nil, fmt.Errorf("create vault client: %w", err)
	}

	method := cfg.AuthMethod
	if method == "" {
		switch {
		case cfg.Token != "":
			method = "token"
		case cfg.RoleID != "":
			method = "approle"
		}
	}

	var login *vault.Secret
	switch method {
	case "token":
		client.SetToken(cfg.Token)
		return NewWithClient(client, logger), nil
	case "cert":
		login, err = client.Logical().Write("auth/cert/login", nil)
	case "approle":
		login, err = client.Logical().Write("auth/approle/login", map[string]any{
			"role_id":   cfg.RoleID,
			"secret_id": cfg.SecretID,
		})
	default:
		return nil, fmt.Errorf("unknown or missing auth method %q", cfg.AuthMethod)
	}
	if err != nil {
		return nil, fmt.Errorf("vault login (%s): %w", method, err)
	}
	if login == nil || login.Auth == nil {
		return nil, fmt.Errorf("vault login returned no auth info")
	}
	client.SetToken(login.Auth.ClientToken)

	p := NewWithClient(client, logger)
	if login.Auth.Renewable {
		p.wg.Add(1)
		go p.renewToken(login.Auth)
	}
	return p, nil
}

// NewWithClient uses an already authenticated client.
func NewWithClient(client *vault.Client, logger *slog.Logger) *Provider {
	if logger == nil {
		logger = slog.Default()
	}
	return &Provider{
		client: client,
		logger: logger,
		stopCh: make(chan struct{}),
	}
}

// Get reads "path/to/secret#key". KV v2 responses are unwrapped from their
// "data" envelope.
func (p *Provider) Get(ctx context.Context, path string) (string, error) {
	secretPath, key := path, DefaultKey
	if idx := strings.LastIndex(path, "#"); idx != -1 {
		secretPath, key = path[:idx], path[idx+1:]
	}

	secret, err := p.client.Logical().ReadWithContext(ctx, secretPath)
	if err != nil {
		return "", fmt.Errorf("read vault secret %q: %w", secretPath, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("secret %q not found", secretPath)
	}

	data := secret.Data
	if nested, ok := data["data"].(map[string]any); ok {
		data = nested
	}

	val, ok := data[key]
	if !ok {
		return "", fmt.Errorf("key %q not found in secret %q", key, secretPath)
	}
	s, ok := val.(string)
	if !ok {
		return "", fmt.Errorf("key %q in secret %q is %T, not a string", key, secretPath, val)
	}
	return s, nil
}

// Close stops the token renewer.
func (p *Provider) Close() error {
	p.closeOnce.Do(func() { close(p.stopCh) })
	p.wg.Wait()
	return nil
}

func (p *Provider) renewToken(auth *vault.SecretAuth) {
	defer p.wg.Done()

	watcher, err := p.client.NewLifetimeWatcher(&vault.LifetimeWatcherInput{
		Secret: &vault.Secret{Auth: auth},
	})
	if err != nil {
		p.logger.Warn("vault lifetime watcher unavailable", "error", err)
		return
	}

	go watcher.Start()
	defer watcher.Stop()

	for {
		select {
		case <-p.stopCh:
			return
		case err := <-watcher.DoneCh():
			if err != nil {
				p.logger.Warn("vault token renewal stopped", "error", err)
			}
			return
		case <-watcher.RenewCh():
			p.logger.Debug("vault token renewed")
		}
	}
}
