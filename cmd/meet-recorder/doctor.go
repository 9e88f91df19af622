package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"github.com/spf13/cobra"

	"github.com/e-vnts/meet-recorder/pkg/config"
	"github.com/e-vnts/meet-recorder/pkg/process"
	"github.com/e-vnts/meet-recorder/pkg/resource"
)

var errPrerequisites = errors.New("some prerequisites are missing")

func newDoctorCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check that the external tools sessions depend on are available",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			return doctor(cmd.Context(), cmd.OutOrStdout(), cfg)
		},
	}
	config.RegisterFlags(cmd.Flags())
	return cmd
}

func doctor(ctx context.Context, out io.Writer, cfg *config.Config) error {
	ok := true
	check := func(name string, passed bool, detail string) {
		mark := "ok"
		if !passed {
			mark = "FAIL"
			ok = false
		}
		fmt.Fprintf(out, "%-14s %-4s  %s\n", name, mark, detail)
	}

	type binary struct{ name, path string }
	binaries := []binary{
		{"Xvfb", cfg.Display.XvfbPath},
		{"Chrome", cfg.Browser.ChromePath},
		{"pactl", cfg.Audio.PactlPath},
	}
	// The in-page recorder captures inside the browser
	if cfg.Recorder.Strategy != config.RecorderInPage {
		binaries = append(binaries, binary{"ffmpeg", cfg.Recorder.FFmpegPath})
	}
	for _, b := range binaries {
		if path, err := exec.LookPath(b.path); err != nil {
			check(b.name, false, fmt.Sprintf("%s not found", b.path))
		} else {
			check(b.name, true, path)
		}
	}

	if cfg.Audio.EnsureServer {
		sinks := resource.NewSinkAllocator(resource.SinkConfig{
			Mode:           cfg.Audio.Mode,
			PactlPath:      cfg.Audio.PactlPath,
			PulseAudioPath: cfg.Audio.PulseAudioPath,
		})
		checkCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := sinks.EnsureServer(checkCtx)
		cancel()
		if err != nil {
			check("PulseAudio", false, err.Error())
		} else {
			check("PulseAudio", true, "running")
		}
	}

	if err := os.MkdirAll(cfg.RecordingsDir, 0o755); err != nil {
		check("Recordings", false, err.Error())
	} else {
		check("Recordings", true, cfg.RecordingsDir)
	}

	if cfg.Upload.Endpoint != "" {
		check("Upload", true, cfg.Upload.Endpoint)
	} else {
		check("Upload", true, "disabled")
	}

	check("Process info", process.PidAlive(ctx, os.Getpid()), "process table readable")

	if !ok {
		fmt.Fprintln(out, "\nSome prerequisites are missing.")
		return errPrerequisites
	}
	fmt.Fprintln(out, "\nAll prerequisites met.")
	return nil
}
