package main

import (
	"time"

	"github.com/nasa-jpl/astrocap/autorun"
	"github.com/nasa-jpl/astrocap/camera"
	"github.com/nasa-jpl/astrocap/capture"
	"github.com/nasa-jpl/astrocap/output"
	"github.com/nasa-jpl/astrocap/timer"
)

// DeviceSetup says how to reach a piece of hardware.  Type "sim" uses a
// simulator and "none" leaves the device out.
type DeviceSetup struct {
	// Type is the kind of device, see the help command
	Type string `koanf:"type" yaml:"type"`

	// Addr is a serial port or host:port
	Addr string `koanf:"addr" yaml:"addr"`

	// Serial selects a serial port rather than TCP
	Serial bool `koanf:"serial" yaml:"serial"`

	// Endpoint is the URL the device is mounted at
	Endpoint string `koanf:"endpoint" yaml:"endpoint"`
}

// CameraSetup configures the camera.  Only a simulator ships with astrocap;
// the geometry fields configure it.
type CameraSetup struct {
	Device DeviceSetup `koanf:"device" yaml:"device"`

	Width  int     `koanf:"width" yaml:"width"`
	Height int     `koanf:"height" yaml:"height"`
	Bits   int     `koanf:"bits" yaml:"bits"`
	FPS    float64 `koanf:"fps" yaml:"fps"`
}

// WheelSetup configures the filter wheel
type WheelSetup struct {
	Device DeviceSetup `koanf:"device" yaml:"device"`

	Slots int `koanf:"slots" yaml:"slots"`
}

// TimerSetup configures the external timer
type TimerSetup struct {
	Device DeviceSetup `koanf:"device" yaml:"device"`

	GPS      bool           `koanf:"gps" yaml:"gps"`
	Settings timer.Settings `koanf:"settings" yaml:"settings"`
}

// LogSetup configures logging
type LogSetup struct {
	Level   string `koanf:"level" yaml:"level"`
	Console bool   `koanf:"console" yaml:"console"`
}

// Config is the server and CLI configuration
type Config struct {
	Addr string   `koanf:"addr" yaml:"addr"`
	Log  LogSetup `koanf:"log" yaml:"log"`

	// ConnectTimeout bounds the retries made connecting each device at startup
	ConnectTimeout time.Duration `koanf:"connecttimeout" yaml:"connecttimeout"`

	// OpTimeout bounds single hardware operations made over HTTP
	OpTimeout time.Duration `koanf:"optimeout" yaml:"optimeout"`

	// MoveTimeout bounds a filter wheel move
	MoveTimeout time.Duration `koanf:"movetimeout" yaml:"movetimeout"`

	// SeedIndex starts the capture index after the highest existing
	// recording in the output directory
	SeedIndex bool `koanf:"seedindex" yaml:"seedindex"`

	// Disabled lists output formats that may not be used
	Disabled []string `koanf:"disabled" yaml:"disabled"`

	// FFmpeg is the encoder used for MOV recordings
	FFmpeg string `koanf:"ffmpeg" yaml:"ffmpeg"`

	// Metadata fills in file headers
	Observer  string `koanf:"observer" yaml:"observer"`
	Object    string `koanf:"object" yaml:"object"`
	Telescope string `koanf:"telescope" yaml:"telescope"`

	Camera  CameraSetup    `koanf:"camera" yaml:"camera"`
	Wheel   WheelSetup     `koanf:"wheel" yaml:"wheel"`
	Timer   TimerSetup     `koanf:"timer" yaml:"timer"`
	Capture capture.Config `koanf:"capture" yaml:"capture"`
	Autorun autorun.Config `koanf:"autorun" yaml:"autorun"`
}

// Defaults is the configuration before any file is read
func Defaults() Config {
	return Config{
		Addr:           ":8000",
		Log:            LogSetup{Level: "info", Console: true},
		ConnectTimeout: 10 * time.Second,
		OpTimeout:      2 * time.Second,
		MoveTimeout:    30 * time.Second,
		FFmpeg:         "ffmpeg",
		Camera: CameraSetup{
			Device: DeviceSetup{Type: "sim", Endpoint: "camera"},
			Width:  640,
			Height: 480,
			Bits:   16,
			FPS:    30},
		Wheel: WheelSetup{Device: DeviceSetup{Type: "sim", Endpoint: "wheel"}, Slots: 5},
		Timer: TimerSetup{Device: DeviceSetup{Type: "none", Endpoint: "timer"}, Settings: timer.DefaultSettings()},
		Capture: capture.Config{
			Target: output.Target{
				Format:   output.SER,
				Dir:      ".",
				Template: "capture-%DATE-%TIME-%I",
				Digits:   4},
			Limit:                       capture.Limit{Kind: capture.Frames, Value: 100},
			MaxConsecutiveWriteFailures: 10},
		Autorun: autorun.Config{Runs: 1, SettleDelay: 500 * time.Millisecond},
	}
}

func (c CameraSetup) format() camera.FrameFormat {
	px := camera.Grey16LE
	if c.Bits <= 8 {
		px = camera.Grey8
	}
	return camera.FrameFormat{Width: c.Width, Height: c.Height, Pixel: px, FPS: c.FPS, Binning: 1}
}

func (c Config) disabled() ([]output.Format, error) {
	var out []output.Format
	for _, s := range c.Disabled {
		f, err := output.ParseFormat(s)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, nil
}

// runConfig is the capture configuration with the header metadata filled in
func (c Config) runConfig() capture.Config {
	cc := c.Capture
	cc.Meta.Observer = c.Observer
	cc.Meta.Object = c.Object
	cc.Meta.Telescope = c.Telescope
	cc.Meta.Software = "capsrv " + Version
	return cc
}
