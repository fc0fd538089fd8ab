package config

import "time"

// Config holds all application configuration
type Config struct {
	Cloud    CloudConfig
	Keys     KeyConfig
	Pipeline PipelineConfig
	Probe    ProbeConfig
	Watch    WatchConfig
	HTTP     HTTPConfig
	Storage  StorageConfig
	Log      LogConfig
}

// CloudConfig locates the remote analytics service.
type CloudConfig struct {
	BaseURL         string
	DispatchTimeout time.Duration
}

// KeyConfig holds the two direction secrets. They are never logged.
type KeyConfig struct {
	EdgeSecret  string
	CloudSecret string
	Derivation  string // "pad" or "argon2id"
}

type PipelineConfig struct {
	FrameSkip         int
	OutputCodec       string // empty picks by extension
	JPEGQuality       int
	ColorSeed         uint64
	UnavailablePolicy string // "hold" or "fail"
}

type ProbeConfig struct {
	HealthURL string // empty disables the prober
	Interval  time.Duration
}

type WatchConfig struct {
	Dir             string
	Interval        time.Duration
	SettleTime      time.Duration // 0 picks up files immediately
	TmpDir          string
	CleanupInterval time.Duration
	MaxRetries      int
	RetryBackoff    time.Duration
}

type HTTPConfig struct {
	ListenAddr     string
	MaxUploadMB    int64
	AllowedOrigins []string
	RequestsPerMin int
}

type StorageConfig struct {
	MinIO MinIOConfig
}

type MinIOConfig struct {
	Enabled         bool
	Endpoint        string
	AccessKeyID     string
	SecretAccessKey string
	UseSSL          bool
	Bucket          string
	Region          string
	Prefix          string
}

type LogConfig struct {
	Level string
	JSON  bool
}

// NewDefaultConfig returns a Config with default values
func NewDefaultConfig() *Config {
	return &Config{
		Cloud: CloudConfig{
			BaseURL:         "http://localhost:8000",
			DispatchTimeout: 30 * time.Second,
		},
		Keys: KeyConfig{
			Derivation: "pad",
		},
		Pipeline: PipelineConfig{
			FrameSkip:         6,
			JPEGQuality:       90,
			ColorSeed:         0x5eed,
			UnavailablePolicy: "hold",
		},
		Probe: ProbeConfig{
			Interval: 5 * time.Second,
		},
		Watch: WatchConfig{
			Dir:             "videos",
			Interval:        30 * time.Second,
			TmpDir:          "tmp",
			CleanupInterval: 10 * time.Minute,
			MaxRetries:      3,
			RetryBackoff:    time.Second,
		},
		HTTP: HTTPConfig{
			ListenAddr:     "localhost:8080",
			MaxUploadMB:    512,
			AllowedOrigins: []string{"http://localhost:3000"},
			RequestsPerMin: 30,
		},
		Storage: StorageConfig{
			MinIO: MinIOConfig{
				Bucket: "edge-analytics",
				Region: "us-east-1",
				Prefix: "annotated",
			},
		},
		Log: LogConfig{
			Level: "info",
		},
	}
}
