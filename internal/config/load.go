package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// Load overlays EDGE_* environment variables on the defaults. It does not
// validate; call ValidateConfig once flags have been applied.
func Load() *Config {
	cfg := NewDefaultConfig()

	cfg.Cloud.BaseURL = env("EDGE_CLOUD_URL", cfg.Cloud.BaseURL)
	cfg.Cloud.DispatchTimeout = envDuration("EDGE_DISPATCH_TIMEOUT", cfg.Cloud.DispatchTimeout)

	cfg.Keys.EdgeSecret = env("EDGE_KEY_SECRET", "")
	cfg.Keys.CloudSecret = env("CLOUD_KEY_SECRET", "")
	cfg.Keys.Derivation = strings.ToLower(env("EDGE_KEY_DERIVATION", cfg.Keys.Derivation))

	cfg.Pipeline.FrameSkip = envInt("EDGE_FRAME_SKIP", cfg.Pipeline.FrameSkip)
	cfg.Pipeline.OutputCodec = env("EDGE_OUTPUT_CODEC", cfg.Pipeline.OutputCodec)
	cfg.Pipeline.JPEGQuality = envInt("EDGE_JPEG_QUALITY", cfg.Pipeline.JPEGQuality)
	cfg.Pipeline.ColorSeed = envUint("EDGE_COLOR_SEED", cfg.Pipeline.ColorSeed)
	cfg.Pipeline.UnavailablePolicy = strings.ToLower(env("EDGE_UNAVAILABLE_POLICY", cfg.Pipeline.UnavailablePolicy))

	cfg.Probe.HealthURL = env("EDGE_HEALTH_URL", cfg.Probe.HealthURL)
	cfg.Probe.Interval = envDuration("EDGE_PROBE_INTERVAL", cfg.Probe.Interval)

	cfg.Watch.Dir = env("EDGE_WATCH_DIR", cfg.Watch.Dir)
	cfg.Watch.Interval = envDuration("EDGE_WATCH_INTERVAL", cfg.Watch.Interval)
	cfg.Watch.SettleTime = envDuration("EDGE_WATCH_SETTLE", cfg.Watch.SettleTime)
	cfg.Watch.TmpDir = env("EDGE_TMP_DIR", cfg.Watch.TmpDir)
	cfg.Watch.CleanupInterval = envDuration("EDGE_CLEANUP_INTERVAL", cfg.Watch.CleanupInterval)
	cfg.Watch.MaxRetries = envInt("EDGE_MAX_RETRIES", cfg.Watch.MaxRetries)
	cfg.Watch.RetryBackoff = envDuration("EDGE_RETRY_BACKOFF", cfg.Watch.RetryBackoff)

	cfg.HTTP.ListenAddr = env("EDGE_HTTP_ADDR", cfg.HTTP.ListenAddr)
	cfg.HTTP.MaxUploadMB = int64(envInt("EDGE_MAX_UPLOAD_MB", int(cfg.HTTP.MaxUploadMB)))
	cfg.HTTP.AllowedOrigins = envList("EDGE_ALLOWED_ORIGINS", cfg.HTTP.AllowedOrigins)
	cfg.HTTP.RequestsPerMin = envInt("EDGE_REQUESTS_PER_MIN", cfg.HTTP.RequestsPerMin)

	m := &cfg.Storage.MinIO
	m.Endpoint = env("EDGE_MINIO_ENDPOINT", m.Endpoint)
	m.Enabled = envBool("EDGE_MINIO_ENABLED", m.Endpoint != "")
	m.AccessKeyID = env("EDGE_MINIO_ACCESS_KEY", m.AccessKeyID)
	m.SecretAccessKey = env("EDGE_MINIO_SECRET_KEY", m.SecretAccessKey)
	m.UseSSL = envBool("EDGE_MINIO_USE_SSL", m.UseSSL)
	m.Bucket = env("EDGE_MINIO_BUCKET", m.Bucket)
	m.Region = env("EDGE_MINIO_REGION", m.Region)
	m.Prefix = env("EDGE_MINIO_PREFIX", m.Prefix)

	cfg.Log.Level = strings.ToLower(env("EDGE_LOG_LEVEL", cfg.Log.Level))
	cfg.Log.JSON = envBool("EDGE_LOG_JSON", cfg.Log.JSON)

	return cfg
}

func env(key, fallback string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return fallback
	}
	return v
}

func envInt(key string, fallback int) int {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func envUint(key string, fallback uint64) uint64 {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	n, err := strconv.ParseUint(v, 0, 64)
	if err != nil {
		return fallback
	}
	return n
}

func envBool(key string, fallback bool) bool {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}

func envList(key string, fallback []string) []string {
	v := env(key, "")
	if v == "" {
		return fallback
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
