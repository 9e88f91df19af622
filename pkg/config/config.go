package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"
)

// WebSocketConfig holds settings for the session event stream
type WebSocketConfig struct {
	WriteTimeout time.Duration `yaml:"writeTimeout"` // Timeout for writing a frame to a client
	ReadTimeout  time.Duration `yaml:"readTimeout"`  // Keepalive window, reset on every pong
	PingInterval time.Duration `yaml:"pingInterval"`
	QueueSize    int           `yaml:"queueSize"` // Per-client event buffer
}

// DisplayConfig controls the Xvfb virtual displays
type DisplayConfig struct {
	XvfbPath     string        `yaml:"xvfbPath"`
	Base         int           `yaml:"base"`  // First display number handed out
	Count        int           `yaml:"count"` // Size of the display number window
	Depth        int           `yaml:"depth"`
	StartupGrace time.Duration `yaml:"startupGrace"`
	LockDir      string        `yaml:"lockDir"` // Where X servers drop their .X<N>-lock files
}

// AudioConfig controls the PulseAudio sinks used for capture
type AudioConfig struct {
	Mode           string `yaml:"mode"` // "per-session" or "shared"
	PactlPath      string `yaml:"pactlPath"`
	PulseAudioPath string `yaml:"pulseaudioPath"`
	SharedSink     string `yaml:"sharedSink"`
	EnsureServer   bool   `yaml:"ensureServer"`
}

// BrowserConfig controls the Chrome instances driven over DevTools
type BrowserConfig struct {
	ChromePath     string        `yaml:"chromePath"`
	DebugPortBase  int           `yaml:"debugPortBase"`
	DebugPortCount int           `yaml:"debugPortCount"`
	StartupTimeout time.Duration `yaml:"startupTimeout"`
	ProfileRoot    string        `yaml:"profileRoot"`
	ExtraArgs      []string      `yaml:"extraArgs"`
}

// RecorderConfig selects and tunes the capture strategy
type RecorderConfig struct {
	Strategy     string `yaml:"strategy"` // "ffmpeg" or "inpage"
	FFmpegPath   string `yaml:"ffmpegPath"`
	FrameRate    int    `yaml:"frameRate"`
	VideoCodec   string `yaml:"videoCodec"`
	Preset       string `yaml:"preset"`
	AudioCodec   string `yaml:"audioCodec"`
	AudioBitrate string `yaml:"audioBitrate"`
}

// UploadConfig enables export of finished recordings. Export is disabled
// when Endpoint is empty.
type UploadConfig struct {
	Endpoint   string        `yaml:"endpoint"`
	Token      string        `yaml:"token"`
	Timeout    time.Duration `yaml:"timeout"`
	MaxRetries int           `yaml:"maxRetries"`
}

type Config struct {
	// Server configuration
	HTTPAddr  string `yaml:"httpAddr"`
	LogLevel  string `yaml:"logLevel"`
	LogFormat string `yaml:"logFormat"`

	// Session defaults
	RecordingsDir      string        `yaml:"recordingsDir"`
	DefaultDisplayName string        `yaml:"defaultDisplayName"`
	DefaultFilename    string        `yaml:"defaultFilename"`
	DefaultResolution  string        `yaml:"defaultResolution"`
	PollInterval       time.Duration `yaml:"pollInterval"`
	StopGracePeriod    time.Duration `yaml:"stopGracePeriod"`
	JoinTimeout        time.Duration `yaml:"joinTimeout"`

	Display   DisplayConfig   `yaml:"display"`
	Audio     AudioConfig     `yaml:"audio"`
	Browser   BrowserConfig   `yaml:"browser"`
	Recorder  RecorderConfig  `yaml:"recorder"`
	Upload    UploadConfig    `yaml:"upload"`
	WebSocket WebSocketConfig `yaml:"websocket"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPAddr:  ":8080",
		LogLevel:  "info",
		LogFormat: "json",

		RecordingsDir:      "recordings",
		DefaultDisplayName: "Meeting Recorder",
		DefaultFilename:    "recording.mp4",
		DefaultResolution:  "1280x720",
		PollInterval:       5 * time.Second,
		StopGracePeriod:    5 * time.Second,
		JoinTimeout:        90 * time.Second,

		Display: DisplayConfig{
			XvfbPath:     "Xvfb",
			Base:         100,
			Count:        1000,
			Depth:        24,
			StartupGrace: time.Second,
			LockDir:      "/tmp",
		},
		Audio: AudioConfig{
			Mode:           AudioModePerSession,
			PactlPath:      "pactl",
			PulseAudioPath: "pulseaudio",
			SharedSink:     "default",
			EnsureServer:   true,
		},
		Browser: BrowserConfig{
			ChromePath:     "google-chrome",
			DebugPortBase:  9222,
			DebugPortCount: 1000,
			StartupTimeout: 20 * time.Second,
			ProfileRoot:    os.TempDir(),
		},
		Recorder: RecorderConfig{
			Strategy:     RecorderFFmpeg,
			FFmpegPath:   "ffmpeg",
			FrameRate:    25,
			VideoCodec:   "libx264",
			Preset:       "ultrafast",
			AudioCodec:   "aac",
			AudioBitrate: "128k",
		},
		Upload: UploadConfig{
			Timeout:    5 * time.Minute,
			MaxRetries: 3,
		},
		WebSocket: WebSocketConfig{
			WriteTimeout: 5 * time.Second,
			ReadTimeout:  3 * time.Minute,
			PingInterval: 60 * time.Second,
			QueueSize:    64,
		},
	}
}

const (
	AudioModePerSession = "per-session"
	AudioModeShared     = "shared"

	RecorderFFmpeg = "ffmpeg"
	RecorderInPage = "inpage"
)

// RegisterFlags adds the command line flags understood by Load.
func RegisterFlags(flags *pflag.FlagSet) {
	d := Default()
	flags.String("config", "", "Path to a YAML configuration file")
	flags.String("env-file", ".env", "Path to a .env file (ignored if missing)")
	flags.String("http", d.HTTPAddr, "HTTP server address")
	flags.String("log-level", d.LogLevel, "Log level (debug, info, warn, error)")
	flags.String("log-format", d.LogFormat, "Log format (json, text)")
	flags.String("recordings-dir", d.RecordingsDir, "Base directory for recordings")
	flags.Duration("poll-interval", d.PollInterval, "How often active sessions are checked")
	flags.Duration("stop-grace", d.StopGracePeriod, "Grace period before escalating process termination")
	flags.Int("display-base", d.Display.Base, "First X display number to allocate")
	flags.String("xvfb", d.Display.XvfbPath, "Xvfb binary")
	flags.String("ffmpeg", d.Recorder.FFmpegPath, "ffmpeg binary")
	flags.String("chrome", d.Browser.ChromePath, "Chrome/Chromium binary")
	flags.String("pactl", d.Audio.PactlPath, "pactl binary")
	flags.String("audio-mode", d.Audio.Mode, "Audio sink mode (per-session, shared)")
	flags.String("recorder", d.Recorder.Strategy, "Recorder strategy (ffmpeg, inpage)")
	flags.String("upload-endpoint", "", "Endpoint that hands out signed upload URLs")
	flags.String("upload-token", "", "Bearer token for the upload endpoint")
	flags.String("resolution", d.DefaultResolution, "Default screen resolution (WxH)")
	flags.String("display-name", d.DefaultDisplayName, "Default bot display name")
}

// Load builds the configuration. Precedence is flag > environment > file >
// default. flags may be nil.
func Load(flags *pflag.FlagSet) (*Config, error) {
	cfg := Default()

	envFile := ".env"
	if flags != nil {
		if v, err := flags.GetString("env-file"); err == nil && v != "" {
			envFile = v
		}
	}
	if err := godotenv.Load(envFile); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load %s: %w", envFile, err)
	}

	path := os.Getenv("MEET_RECORDER_CONFIG")
	if flags != nil && flags.Changed("config") {
		path, _ = flags.GetString("config")
	}
	if path != "" {
		if err := cfg.LoadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	if flags != nil {
		cfg.applyFlags(flags)
	}
	return cfg, nil
}

// LoadFile merges a YAML file over the current values.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	envString("HTTP_ADDR", &c.HTTPAddr)
	envString("LOG_LEVEL", &c.LogLevel)
	envString("LOG_FORMAT", &c.LogFormat)
	envString("RECORDINGS_DIR", &c.RecordingsDir)
	envString("DISPLAY_NAME", &c.DefaultDisplayName)
	envString("SCREEN_RESOLUTION", &c.DefaultResolution)
	envDuration("POLL_INTERVAL", &c.PollInterval)
	envDuration("STOP_GRACE_PERIOD", &c.StopGracePeriod)
	envDuration("JOIN_TIMEOUT", &c.JoinTimeout)

	envString("XVFB_PATH", &c.Display.XvfbPath)
	envInt("DISPLAY_BASE", &c.Display.Base)
	envInt("DISPLAY_COUNT", &c.Display.Count)
	envInt("SCREEN_DEPTH", &c.Display.Depth)

	envString("AUDIO_SINK_MODE", &c.Audio.Mode)
	envString("PACTL_PATH", &c.Audio.PactlPath)
	envString("PULSEAUDIO_PATH", &c.Audio.PulseAudioPath)
	envString("AUDIO_SHARED_SINK", &c.Audio.SharedSink)
	envBool("AUDIO_ENSURE_SERVER", &c.Audio.EnsureServer)

	envString("CHROME_BINARY", &c.Browser.ChromePath)
	envInt("CHROME_DEBUG_PORT_BASE", &c.Browser.DebugPortBase)
	envDuration("CHROME_STARTUP_TIMEOUT", &c.Browser.StartupTimeout)
	if extra := os.Getenv("CHROME_EXTRA_ARGS"); extra != "" {
		c.Browser.ExtraArgs = strings.Fields(extra)
	}

	envString("RECORDER_STRATEGY", &c.Recorder.Strategy)
	envString("FFMPEG_PATH", &c.Recorder.FFmpegPath)
	envInt("RECORDER_FRAME_RATE", &c.Recorder.FrameRate)

	envString("UPLOAD_ENDPOINT", &c.Upload.Endpoint)
	envString("UPLOAD_TOKEN", &c.Upload.Token)
	envDuration("UPLOAD_TIMEOUT", &c.Upload.Timeout)
	envInt("UPLOAD_MAX_RETRIES", &c.Upload.MaxRetries)

	// WebSocket timeouts accept either durations or plain seconds
	envDuration("WEBSOCKET_WRITE_TIMEOUT", &c.WebSocket.WriteTimeout)
	envDuration("WEBSOCKET_READ_TIMEOUT", &c.WebSocket.ReadTimeout)
	envDuration("WEBSOCKET_PING_INTERVAL", &c.WebSocket.PingInterval)
	envInt("WEBSOCKET_QUEUE_SIZE", &c.WebSocket.QueueSize)
}

func (c *Config) applyFlags(flags *pflag.FlagSet) {
	flagString(flags, "http", &c.HTTPAddr)
	flagString(flags, "log-level", &c.LogLevel)
	flagString(flags, "log-format", &c.LogFormat)
	flagString(flags, "recordings-dir", &c.RecordingsDir)
	flagString(flags, "xvfb", &c.Display.XvfbPath)
	flagString(flags, "ffmpeg", &c.Recorder.FFmpegPath)
	flagString(flags, "chrome", &c.Browser.ChromePath)
	flagString(flags, "pactl", &c.Audio.PactlPath)
	flagString(flags, "audio-mode", &c.Audio.Mode)
	flagString(flags, "recorder", &c.Recorder.Strategy)
	flagString(flags, "upload-endpoint", &c.Upload.Endpoint)
	flagString(flags, "upload-token", &c.Upload.Token)
	flagString(flags, "resolution", &c.DefaultResolution)
	flagString(flags, "display-name", &c.DefaultDisplayName)

	if flags.Changed("poll-interval") {
		c.PollInterval, _ = flags.GetDuration("poll-interval")
	}
	if flags.Changed("stop-grace") {
		c.StopGracePeriod, _ = flags.GetDuration("stop-grace")
	}
	if flags.Changed("display-base") {
		c.Display.Base, _ = flags.GetInt("display-base")
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	if c.RecordingsDir == "" {
		return ErrMissingRecordingsDir
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("%w: poll interval %s", ErrInvalidDuration, c.PollInterval)
	}
	if c.StopGracePeriod <= 0 {
		return fmt.Errorf("%w: stop grace period %s", ErrInvalidDuration, c.StopGracePeriod)
	}
	if c.Display.Base < 0 || c.Display.Count <= 0 {
		return ErrInvalidDisplayRange
	}
	if c.Browser.DebugPortBase <= 0 || c.Browser.DebugPortCount <= 0 ||
		c.Browser.DebugPortBase+c.Browser.DebugPortCount > 65536 {
		return ErrInvalidPortRange
	}
	switch c.Audio.Mode {
	case AudioModePerSession, AudioModeShared:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownAudioMode, c.Audio.Mode)
	}
	switch c.Recorder.Strategy {
	case RecorderFFmpeg, RecorderInPage:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownRecorder, c.Recorder.Strategy)
	}
	if _, _, ok := ParseResolution(c.DefaultResolution); !ok {
		return fmt.Errorf("%w: %q", ErrInvalidResolution, c.DefaultResolution)
	}
	return nil
}

// ParseResolution parses "WxH". ok is false for anything else.
func ParseResolution(s string) (width, height int, ok bool) {
	w, h, found := strings.Cut(strings.ToLower(strings.TrimSpace(s)), "x")
	if !found {
		return 0, 0, false
	}
	width, err := strconv.Atoi(w)
	if err != nil || width <= 0 {
		return 0, 0, false
	}
	height, err = strconv.Atoi(h)
	if err != nil || height <= 0 {
		return 0, 0, false
	}
	return width, height, true
}

func envString(key string, dst *string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func envInt(key string, dst *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func envBool(key string, dst *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*dst = b
		}
	}
}

func envDuration(key string, dst *time.Duration) {
	v := os.Getenv(key)
	if v == "" {
		return
	}
	if d, err := time.ParseDuration(v); err == nil {
		*dst = d
		return
	}
	if seconds, err := strconv.Atoi(v); err == nil {
		*dst = time.Duration(seconds) * time.Second
	}
}

func flagString(flags *pflag.FlagSet, name string, dst *string) {
	if flags.Changed(name) {
		*dst, _ = flags.GetString(name)
	}
}
