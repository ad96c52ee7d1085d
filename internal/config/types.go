// Package config loads the layered settings file and resolves the
// effective per-streamer configuration. Settings are YAML with
// environment overrides, hot-reloaded on file change; resolution layers
// streamer-specific overrides over globals over compiled defaults.
package config

import (
	"time"
)

// RecordingSettings is the recording block of the global settings.
type RecordingSettings struct {
	Enabled          *bool         `yaml:"enabled"`
	Quality          string        `yaml:"quality"`
	SupportedCodecs  []string      `yaml:"supported_codecs"`
	FilenameTemplate string        `yaml:"filename_template"`
	MaxConcurrent    int           `yaml:"max_concurrent"`
	StartTimeout     time.Duration `yaml:"start_timeout"`
	StoppingGrace    time.Duration `yaml:"stopping_grace"`
	Cooldown         time.Duration `yaml:"cooldown"`
}

// ProxySettings carries optional capture proxy URLs.
type ProxySettings struct {
	HTTP  string `yaml:"http"`
	HTTPS string `yaml:"https"`
}

// RetentionSettings bounds how many finished streams are kept per streamer.
type RetentionSettings struct {
	MaxStreams int `yaml:"max_streams"` // 0 = unbounded
}

// StreamerOverride is the per-streamer layer; nil/empty fields fall through
// to the global layer.
type StreamerOverride struct {
	Enabled          *bool     `yaml:"enabled"`
	Quality          string    `yaml:"quality"`
	SupportedCodecs  []string  `yaml:"supported_codecs"`
	FilenameTemplate string    `yaml:"filename_template"`
	Proxy            *ProxySettings `yaml:"proxy"`
	MaxStreams       *int      `yaml:"max_streams"`
	OAuthToken       string    `yaml:"oauth_token"`
}

// NotificationSettings is a read-only input for the (external) notification
// dispatcher; carried here so one settings file configures the whole daemon.
type NotificationSettings struct {
	Enabled    bool   `yaml:"enabled"`
	AppriseURL string `yaml:"apprise_url"`
}

// TwitchSettings configures the outbound Twitch API client.
type TwitchSettings struct {
	ClientID      string `yaml:"client_id"`
	ClientSecret  string `yaml:"client_secret"`
	WebhookSecret string `yaml:"webhook_secret"`
	CallbackURL   string `yaml:"callback_url"`
}

// Settings is the full on-disk document.
type Settings struct {
	Recording     RecordingSettings           `yaml:"recording"`
	Proxy         ProxySettings               `yaml:"proxy"`
	Retention     RetentionSettings           `yaml:"retention"`
	OAuthToken    string                      `yaml:"oauth_token"`
	Streamers     map[int64]StreamerOverride  `yaml:"streamers"`
	Notifications NotificationSettings        `yaml:"notifications"`
	Twitch        TwitchSettings              `yaml:"twitch"`

	RecordingsRoot string `yaml:"recordings_root"`
	LogsRoot       string `yaml:"logs_root"`
	DataDir        string `yaml:"data_dir"`
	ListenAddr     string `yaml:"listen_addr"`
	LogLevel       string `yaml:"log_level"`
	RedisAddr      string `yaml:"redis_addr"`
	RedisPassword  string `yaml:"redis_password"`
	RedisDB        int    `yaml:"redis_db"`

	CaptureBin string `yaml:"capture_bin"`
	FFmpegBin  string `yaml:"ffmpeg_bin"`
	FFprobeBin string `yaml:"ffprobe_bin"`
}

// Effective is the fully resolved per-streamer configuration.
type Effective struct {
	Enabled          bool
	Quality          string
	SupportedCodecs  []string
	FilenameTemplate string
	ProxyHTTP        string
	ProxyHTTPS       string
	MaxStreams       int
	OAuthToken       string

	MaxConcurrentRecordings int
	StartTimeout            time.Duration
	StoppingGrace           time.Duration
	Cooldown                time.Duration
}

// Defaults is the compiled-in bottom layer.
func Defaults() Settings {
	enabled := true
	return Settings{
		Recording: RecordingSettings{
			Enabled:          &enabled,
			Quality:          "best",
			SupportedCodecs:  []string{"h264", "h265"},
			FilenameTemplate: "default",
			MaxConcurrent:    8,
			StartTimeout:     30 * time.Second,
			StoppingGrace:    30 * time.Second,
			Cooldown:         30 * time.Second,
		},
		RecordingsRoot: "/recordings",
		LogsRoot:       "/var/log/streamvault",
		DataDir:        "/var/lib/streamvault",
		ListenAddr:     ":8420",
		LogLevel:       "info",
		CaptureBin:     "streamlink",
		FFmpegBin:      "ffmpeg",
		FFprobeBin:     "ffprobe",
	}
}
