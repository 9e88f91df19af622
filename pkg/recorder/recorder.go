package recorder

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/e-vnts/meet-recorder/pkg/process"
)

var (
	ErrRecorderCrashed = errors.New("recorder exited unexpectedly")
	ErrUnknownStrategy = errors.New("unknown recorder strategy")
	ErrAlreadyStarted  = errors.New("recorder already started")
)

// Strategy names
const (
	StrategyFFmpeg = "ffmpeg"
	StrategyInPage = "inpage"
)

// Evaluator runs JavaScript in the meeting page
type Evaluator interface {
	Evaluate(ctx context.Context, expression string, out interface{}) error
}

// Target is what a recorder captures and where it writes
type Target struct {
	SessionID   string
	Display     string // X display name, e.g. ":100"
	Width       int
	Height      int
	AudioSource string // PulseAudio source, usually a sink monitor
	OutputPath  string
	AudioOnly   bool
	Page        Evaluator
}

// Recorder captures one session. Done is closed when the recording ends,
// whether by Stop or on its own; Err tells the two apart.
type Recorder interface {
	Start(ctx context.Context, target Target) error
	Stop(ctx context.Context) error
	Done() <-chan struct{}
	Err() error
}

// Config holds the settings shared by all strategies
type Config struct {
	FFmpegPath    string
	FrameRate     int
	VideoCodec    string
	Preset        string
	AudioCodec    string
	AudioBitrate  string
	StartupGrace  time.Duration
	StopGrace     time.Duration
	ProbeInterval time.Duration
}

// DefaultConfig returns the encoder settings recordings have always used
func DefaultConfig() Config {
	return Config{
		FFmpegPath:    "ffmpeg",
		FrameRate:     25,
		VideoCodec:    "libx264",
		Preset:        "ultrafast",
		AudioCodec:    "aac",
		AudioBitrate:  "128k",
		StartupGrace:  500 * time.Millisecond,
		StopGrace:     5 * time.Second,
		ProbeInterval: 2 * time.Second,
	}
}

// Factory creates a fresh recorder of the configured strategy per session
type Factory struct {
	strategy string
	cfg      Config
	sup      *process.Supervisor
}

// NewFactory validates strategy and returns a factory for it
func NewFactory(strategy string, cfg Config, sup *process.Supervisor) (*Factory, error) {
	switch strategy {
	case StrategyFFmpeg, StrategyInPage:
	case "":
		strategy = StrategyFFmpeg
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownStrategy, strategy)
	}
	return &Factory{strategy: strategy, cfg: cfg, sup: sup}, nil
}

// Strategy returns the strategy name
func (f *Factory) Strategy() string {
	return f.strategy
}

// New creates a recorder
func (f *Factory) New() Recorder {
	if f.strategy == StrategyInPage {
		return NewInPage(f.cfg)
	}
	return NewFFmpeg(f.cfg, f.sup)
}
