package config

import (
	"fmt"
	"net"
	"net/url"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/mikeyg42/edgeanalytics/internal/storage"
)

// -----------------------------------------------------------------------------
// Top-level full-config validation
// -----------------------------------------------------------------------------

type Validator struct{ errors []string }

func (v *Validator) AddError(format string, args ...any) {
	v.errors = append(v.errors, fmt.Sprintf(format, args...))
}
func (v *Validator) HasErrors() bool  { return len(v.errors) > 0 }
func (v *Validator) Errors() []string { return v.errors }

// Mode selects which sections must be complete.
type Mode int

const (
	// ModeProcess needs the channel and pipeline settings only.
	ModeProcess Mode = iota
	// ModeServe adds the HTTP listener.
	ModeServe
	// ModeWatch adds the watched folder.
	ModeWatch
	// ModeProbe needs only the health URL.
	ModeProbe
)

// ValidateConfig delegates to per-section validators and reports every
// problem at once.
func ValidateConfig(cfg *Config, mode Mode) error {
	v := &Validator{}

	if mode == ModeProbe {
		validateProbeConfig(v, &cfg.Probe, true)
	} else {
		validateCloudConfig(v, &cfg.Cloud)
		validateKeyConfig(v, &cfg.Keys)
		validatePipelineConfig(v, &cfg.Pipeline)
		validateProbeConfig(v, &cfg.Probe, false)
		validateStorageConfig(v, &cfg.Storage)
	}
	switch mode {
	case ModeServe:
		validateHTTPConfig(v, &cfg.HTTP)
	case ModeWatch:
		validateWatchConfig(v, &cfg.Watch)
	}
	validateLogConfig(v, &cfg.Log)

	if v.HasErrors() {
		return fmt.Errorf("configuration validation failed:\n%s", strings.Join(v.Errors(), "\n"))
	}
	return nil
}

// MinIOStoreConfig maps the storage section to the store's own type.
func MinIOStoreConfig(cfg *Config, maxRetries int) storage.MinIOConfig {
	m := cfg.Storage.MinIO
	return storage.MinIOConfig{
		Endpoint:        m.Endpoint,
		AccessKeyID:     m.AccessKeyID,
		SecretAccessKey: m.SecretAccessKey,
		UseSSL:          m.UseSSL,
		Bucket:          m.Bucket,
		Region:          m.Region,
		MaxRetries:      maxRetries,
	}
}

// -----------------------------------------------------------------------------
// Sections
// -----------------------------------------------------------------------------

func validateCloudConfig(v *Validator, cfg *CloudConfig) {
	if !isValidURL(cfg.BaseURL) {
		v.AddError("invalid cloud URL: %q (must be http:// or https://)", cfg.BaseURL)
	}
	if cfg.DispatchTimeout <= 0 {
		v.AddError("dispatch timeout must be positive")
	} else if cfg.DispatchTimeout > 10*time.Minute {
		v.AddError("dispatch timeout too long: %s (max 10m)", cfg.DispatchTimeout)
	}
}

func validateKeyConfig(v *Validator, cfg *KeyConfig) {
	if cfg.EdgeSecret == "" {
		v.AddError("EDGE_KEY_SECRET must be set")
	}
	if cfg.CloudSecret == "" {
		v.AddError("CLOUD_KEY_SECRET must be set")
	}
	if cfg.EdgeSecret != "" && cfg.EdgeSecret == cfg.CloudSecret {
		v.AddError("edge and cloud secrets must differ")
	}
	switch cfg.Derivation {
	case "pad":
		if len(cfg.EdgeSecret) > 32 || len(cfg.CloudSecret) > 32 {
			v.AddError("secrets longer than 32 bytes need key derivation argon2id")
		}
	case "argon2id":
	default:
		v.AddError("invalid key derivation: %s (must be 'pad' or 'argon2id')", cfg.Derivation)
	}
}

func validatePipelineConfig(v *Validator, cfg *PipelineConfig) {
	if cfg.FrameSkip < 1 {
		v.AddError("frame skip must be >= 1, got %d", cfg.FrameSkip)
	}
	if cfg.JPEGQuality < 1 || cfg.JPEGQuality > 100 {
		v.AddError("jpeg quality must be 1..100, got %d", cfg.JPEGQuality)
	}
	if cfg.OutputCodec != "" && !isFourCC(cfg.OutputCodec) {
		v.AddError("output codec must be a four character code, got %q", cfg.OutputCodec)
	}
	switch cfg.UnavailablePolicy {
	case "hold", "fail":
	default:
		v.AddError("invalid unavailable policy: %s (must be 'hold' or 'fail')", cfg.UnavailablePolicy)
	}
}

func validateProbeConfig(v *Validator, cfg *ProbeConfig, required bool) {
	if cfg.HealthURL == "" {
		if required {
			v.AddError("EDGE_HEALTH_URL must be set")
		}
		return
	}
	if !isValidURL(cfg.HealthURL) {
		v.AddError("invalid health URL: %q", cfg.HealthURL)
	}
	if cfg.Interval < 100*time.Millisecond {
		v.AddError("probe interval too short: %s (min 100ms)", cfg.Interval)
	}
}

func validateWatchConfig(v *Validator, cfg *WatchConfig) {
	if !isValidDirectoryPath(cfg.Dir) {
		v.AddError("invalid watch directory: %q", cfg.Dir)
	}
	if !isValidDirectoryPath(cfg.TmpDir) {
		v.AddError("invalid tmp directory: %q", cfg.TmpDir)
	}
	if cfg.Interval < time.Second {
		v.AddError("watch interval must be >= 1s")
	}
	if cfg.CleanupInterval < time.Second {
		v.AddError("cleanup interval must be >= 1s")
	}
	if cfg.MaxRetries < 0 {
		v.AddError("max retries cannot be negative")
	}
	if cfg.SettleTime < 0 {
		v.AddError("settle time cannot be negative")
	} else if cfg.SettleTime > time.Hour {
		v.AddError("settle time too long: %s (max 1h)", cfg.SettleTime)
	}
	if cfg.RetryBackoff <= 0 {
		v.AddError("retry backoff must be positive")
	} else if cfg.RetryBackoff > 5*time.Minute {
		v.AddError("retry backoff too long: %s (max 5m)", cfg.RetryBackoff)
	}
}

func validateHTTPConfig(v *Validator, cfg *HTTPConfig) {
	if cfg.ListenAddr == "" {
		v.AddError("HTTP listen address cannot be empty")
	} else {
		host, portStr, err := net.SplitHostPort(cfg.ListenAddr)
		if err != nil {
			v.AddError("HTTP listen address must be host:port: %v", err)
		} else {
			if host != "" && host != "localhost" {
				if ip := net.ParseIP(host); ip == nil && !isValidHostname(host) {
					v.AddError("invalid hostname in HTTP listen address: %s", host)
				}
			}
			port, err := strconv.Atoi(portStr)
			if err != nil || port < 0 || port > 65535 {
				v.AddError("invalid port in HTTP listen address: %s", portStr)
			}
		}
	}
	if cfg.MaxUploadMB <= 0 {
		v.AddError("max upload size must be positive")
	}
	if cfg.RequestsPerMin <= 0 {
		v.AddError("requests per minute must be positive")
	}
	for _, o := range cfg.AllowedOrigins {
		if o != "*" && !isValidURL(o) {
			v.AddError("invalid allowed origin: %q", o)
		}
	}
}

func validateStorageConfig(v *Validator, cfg *StorageConfig) {
	m := cfg.MinIO
	if !m.Enabled {
		return
	}
	if m.Endpoint == "" {
		v.AddError("storage.minio.endpoint is required when MinIO is enabled")
	}
	if m.Bucket == "" {
		v.AddError("storage.minio.bucket is required when MinIO is enabled")
	}
	if m.AccessKeyID == "" || m.SecretAccessKey == "" {
		v.AddError("storage.minio credentials are required when MinIO is enabled")
	}
}

func validateLogConfig(v *Validator, cfg *LogConfig) {
	switch cfg.Level {
	case "debug", "info", "warn", "error":
	default:
		v.AddError("invalid log level: %s", cfg.Level)
	}
}

// -----------------------------------------------------------------------------
// helpers
// -----------------------------------------------------------------------------

var (
	hostnameLabel = regexp.MustCompile(`^[a-zA-Z0-9]([a-zA-Z0-9\-]{0,61}[a-zA-Z0-9])?$`)
	fourCC        = regexp.MustCompile(`^[a-zA-Z0-9 ]{4}$`)
)

func isValidURL(s string) bool {
	u, err := url.Parse(s)
	if err != nil {
		return false
	}
	return (u.Scheme == "http" || u.Scheme == "https") && u.Host != ""
}

func isValidHostname(hostname string) bool {
	if len(hostname) == 0 || len(hostname) > 253 {
		return false
	}
	for _, l := range strings.Split(hostname, ".") {
		if !hostnameLabel.MatchString(l) {
			return false
		}
	}
	return true
}

func isValidDirectoryPath(path string) bool {
	if path == "" {
		return false
	}
	clean := filepath.Clean(path)
	return clean != "" && !strings.Contains(path, "\x00")
}

func isFourCC(s string) bool {
	return fourCC.MatchString(s)
}
