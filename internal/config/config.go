package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/viper"
)

// Config is the env-driven configuration for the egress orchestrator.
// Populated once at startup and passed by reference; never mutated.
type Config struct {
	Mode       string        `mapstructure:"mode"`
	Port       int           `mapstructure:"port"`
	StaticPath string        `mapstructure:"static_path"`
	ReadLimit  int64         `mapstructure:"read_limit"`
	PingPeriod time.Duration `mapstructure:"ping_period"`
	Secret     string        `mapstructure:"secret"`

	PythonURL       string
	PythonTimeout   time.Duration
	GstBin          string
	EgressChunkSecs int
	EgressDir       string
	AutoEgress      bool
	WatchPollMs     int
	JitterLatencyMs int
	MaxPortRetries  int
	StartupGraceMs  int
	RTCMinPort      int
	RTCMaxPort      int
	AnnouncedIP     string
}

// Load reads configuration from the environment. A CONFIG_ENV/config.<env>.yaml
// file is still honored when present, the way the teacher's config file was,
// but every key in the external-interfaces table binds straight to its
// environment variable so the orchestrator runs correctly with no file at all.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 3000)
	v.SetDefault("static_path", "./web")
	v.SetDefault("read_limit", 32768)
	v.SetDefault("ping_period", "54s")
	v.SetDefault("secret", "dev-secret-change-me")

	v.SetDefault("python_url", "http://localhost:8000/process")
	v.SetDefault("python_timeout_ms", 120000)
	v.SetDefault("gst_bin", "gst-launch-1.0")
	v.SetDefault("egress_chunk_seconds", 5)
	v.SetDefault("egress_dir", "")
	v.SetDefault("auto_egress", "false")
	v.SetDefault("watch_poll_ms", 250)
	v.SetDefault("gst_jitter_latency_ms", 50)
	v.SetDefault("max_egress_port_retries", 10)
	v.SetDefault("gst_startup_grace_ms", 400)
	v.SetDefault("rtc_min_port", 20000)
	v.SetDefault("rtc_max_port", 30000)
	v.SetDefault("announced_ip", "")

	_ = v.BindEnv("port", "PORT")
	_ = v.BindEnv("python_url", "PYTHON_URL")
	_ = v.BindEnv("python_timeout_ms", "PYTHON_TIMEOUT_MS")
	_ = v.BindEnv("gst_bin", "GST_BIN")
	_ = v.BindEnv("egress_chunk_seconds", "EGRESS_CHUNK_SECONDS")
	_ = v.BindEnv("egress_dir", "EGRESS_DIR")
	_ = v.BindEnv("auto_egress", "AUTO_EGRESS")
	_ = v.BindEnv("watch_poll_ms", "WATCH_POLL_MS")
	_ = v.BindEnv("gst_jitter_latency_ms", "GST_JITTER_LATENCY_MS")
	_ = v.BindEnv("max_egress_port_retries", "MAX_EGRESS_PORT_RETRIES")
	_ = v.BindEnv("gst_startup_grace_ms", "GST_STARTUP_GRACE_MS")
	_ = v.BindEnv("rtc_min_port", "RTC_MIN_PORT")
	_ = v.BindEnv("rtc_max_port", "RTC_MAX_PORT")
	_ = v.BindEnv("announced_ip", "ANNOUNCED_IP")
	_ = v.BindEnv("secret", "SECRET")
	_ = v.BindEnv("mode", "MODE")
	_ = v.BindEnv("static_path", "STATIC_PATH")

	if err := v.ReadInConfig(); err != nil {
		log.Warn().Str("module", "config").Str("file", fileName).Msg("config file not found, using defaults/env")
	} else {
		log.Info().Str("module", "config").Str("file", fileName).Msg("loaded config file")
	}

	cfg := &Config{
		Mode:            v.GetString("mode"),
		Port:            v.GetInt("port"),
		StaticPath:      v.GetString("static_path"),
		ReadLimit:       v.GetInt64("read_limit"),
		PingPeriod:      v.GetDuration("ping_period"),
		Secret:          v.GetString("secret"),
		PythonURL:       v.GetString("python_url"),
		PythonTimeout:   time.Duration(v.GetInt64("python_timeout_ms")) * time.Millisecond,
		GstBin:          v.GetString("gst_bin"),
		EgressChunkSecs: v.GetInt("egress_chunk_seconds"),
		EgressDir:       resolveEgressDir(v.GetString("egress_dir")),
		AutoEgress:      parseBool(v.GetString("auto_egress")),
		WatchPollMs:     v.GetInt("watch_poll_ms"),
		JitterLatencyMs: v.GetInt("gst_jitter_latency_ms"),
		MaxPortRetries:  v.GetInt("max_egress_port_retries"),
		StartupGraceMs:  v.GetInt("gst_startup_grace_ms"),
		RTCMinPort:      v.GetInt("rtc_min_port"),
		RTCMaxPort:      v.GetInt("rtc_max_port"),
		AnnouncedIP:     v.GetString("announced_ip"),
	}

	log.Info().
		Str("module", "config").
		Int("port", cfg.Port).
		Str("python_url", cfg.PythonURL).
		Str("egress_dir", cfg.EgressDir).
		Bool("auto_egress", cfg.AutoEgress).
		Msg("configuration loaded")

	return cfg, nil
}

// resolveEgressDir defaults to the OS temp dir, per §6.5 (EGRESS_DIR).
func resolveEgressDir(dir string) string {
	if dir != "" {
		return dir
	}
	return os.TempDir()
}

// parseBool mirrors the spec's AUTO_EGRESS truthiness rule: "true"/"1"
// (case-insensitive) enable it, anything else does not.
func parseBool(s string) bool {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "true", "1":
		return true
	default:
		return false
	}
}
