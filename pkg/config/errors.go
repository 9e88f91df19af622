package config

import "errors"

var (
	ErrMissingRecordingsDir = errors.New("recordings directory is required (set RECORDINGS_DIR env var or --recordings-dir flag)")
	ErrInvalidDuration      = errors.New("duration must be positive")
	ErrInvalidDisplayRange  = errors.New("display base must be >= 0 and display count > 0")
	ErrInvalidPortRange     = errors.New("debug port range must fit in 1-65535")
	ErrUnknownAudioMode     = errors.New("unknown audio sink mode (want per-session or shared)")
	ErrUnknownRecorder      = errors.New("unknown recorder strategy (want ffmpeg or inpage)")
	ErrInvalidResolution    = errors.New("resolution must look like 1280x720")
)
