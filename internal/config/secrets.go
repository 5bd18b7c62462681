package config

import (
	"errors"
	"log"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

// knownSecretEnv maps source tags to the env vars holding their shared secret.
var knownSecretEnv = map[string]string{
	"stripe":     "STRIPE_WEBHOOK_SECRET",
	"quickbooks": "QUICKBOOKS_WEBHOOK_VERIFIER_TOKEN",
	"plaid":      "PLAID_WEBHOOK_SECRET",
	"zapier":     "ZAPIER_WEBHOOK_SECRET",
}

// SecretsHolder serves per-source webhook secrets. A source without a secret is
// not an error: verification is skipped for it.
type SecretsHolder struct {
	current atomic.Value // holds map[string]string
}

// NewStaticSecrets builds a holder from a fixed map.
func NewStaticSecrets(secrets map[string]string) *SecretsHolder {
	holder := &SecretsHolder{}
	holder.store(secrets)
	return holder
}

func NewSecretsHolderFromConfig(cfg Config) (*SecretsHolder, error) {
	return NewSecretsHolder(cfg.Webhook.SecretsFile)
}

// NewSecretsHolder reads secrets from env and an optional webhooks.yml, and
// reloads them when the file changes.
func NewSecretsHolder(path string) (*SecretsHolder, error) {
	v := viper.New()
	v.SetConfigType("yml")
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("webhooks")
		v.AddConfigPath("/etc/railhook")
		v.AddConfigPath(".")
	}

	v.SetEnvPrefix("RAILHOOK")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	for source, env := range knownSecretEnv {
		if err := v.BindEnv("webhooks.secrets."+source, env); err != nil {
			return nil, err
		}
	}

	fileLoaded := true
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, err
		}
		fileLoaded = false
	}

	holder := &SecretsHolder{}
	holder.store(readSecrets(v))

	if fileLoaded {
		v.WatchConfig()
		v.OnConfigChange(func(e fsnotify.Event) {
			holder.store(readSecrets(v))
			log.Printf("[webhook-secrets] reloaded from %s", filepath.Base(e.Name))
		})
	}

	return holder, nil
}

// Secret returns the configured secret for source.
func (h *SecretsHolder) Secret(source string) (string, bool) {
	if h == nil {
		return "", false
	}
	secrets, _ := h.current.Load().(map[string]string)
	secret, ok := secrets[normalizeSource(source)]
	if !ok || secret == "" {
		return "", false
	}
	return secret, true
}

func (h *SecretsHolder) store(secrets map[string]string) {
	out := make(map[string]string, len(secrets))
	for source, secret := range secrets {
		source = normalizeSource(source)
		secret = strings.TrimSpace(secret)
		if source == "" || secret == "" {
			continue
		}
		out[source] = secret
	}
	h.current.Store(out)
}

func readSecrets(v *viper.Viper) map[string]string {
	out := map[string]string{}
	for source, secret := range v.GetStringMapString("webhooks.secrets") {
		out[source] = secret
	}
	for source := range knownSecretEnv {
		if secret := v.GetString("webhooks.secrets." + source); secret != "" {
			out[source] = secret
		}
	}
	return out
}

func normalizeSource(source string) string {
	return strings.ToLower(strings.TrimSpace(source))
}
