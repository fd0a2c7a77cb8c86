package audio

import (
	"fmt"

	"github.com/gordonklaus/portaudio"
)

// DeviceInfo describes one enumerated audio device.
type DeviceInfo struct {
	ID   int
	Name string
}

// PortAudioDevice implements Device against the host's real audio
// hardware via github.com/gordonklaus/portaudio. sampleRate and
// frameSize are caller-supplied so the same adapter serves both the
// 48kHz processing path and devices that prefer a different native
// rate upstream of resample.go.
type PortAudioDevice struct {
	InputDeviceID  int // -1 selects the system default
	OutputDeviceID int
}

// ListInputDevices returns available capture devices.
func ListInputDevices() ([]DeviceInfo, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxInputChannels > 0 })
}

// ListOutputDevices returns available playback devices.
func ListOutputDevices() ([]DeviceInfo, error) {
	return listDevices(func(d *portaudio.DeviceInfo) bool { return d.MaxOutputChannels > 0 })
}

func listDevices(match func(*portaudio.DeviceInfo) bool) ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	var out []DeviceInfo
	for i, d := range devices {
		if match(d) {
			out = append(out, DeviceInfo{ID: i, Name: d.Name})
		}
	}
	return out, nil
}

func resolveDevice(devices []*portaudio.DeviceInfo, idx int, fallback func() (*portaudio.DeviceInfo, error)) (*portaudio.DeviceInfo, error) {
	if idx >= 0 && idx < len(devices) {
		return devices[idx], nil
	}
	return fallback()
}

// OpenInput opens a capture stream on the configured (or default) input
// device.
func (p *PortAudioDevice) OpenInput(sampleRate float64, frameSize int, buf []float32) (InputStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, p.InputDeviceID, portaudio.DefaultInputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve input device: %w", err)
	}
	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open input stream on %q: %w", dev.Name, err)
	}
	return stream, nil
}

// OpenOutput opens a playback stream on the configured (or default)
// output device.
func (p *PortAudioDevice) OpenOutput(sampleRate float64, frameSize int, buf []float32) (OutputStream, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, fmt.Errorf("audio: list devices: %w", err)
	}
	dev, err := resolveDevice(devices, p.OutputDeviceID, portaudio.DefaultOutputDevice)
	if err != nil {
		return nil, fmt.Errorf("audio: resolve output device: %w", err)
	}
	params := portaudio.StreamParameters{
		Output: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowOutputLatency,
		},
		SampleRate:      sampleRate,
		FramesPerBuffer: frameSize,
	}
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, fmt.Errorf("audio: open output stream on %q: %w", dev.Name, err)
	}
	return stream, nil
}
