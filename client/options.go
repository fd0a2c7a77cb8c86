// Package client wires the lower-level packages (transport, model, audio)
// into the one object a caller actually drives: dial a server, perform
// the version/authenticate handshake, keep the channel/user model and
// voice pipeline running, and report lifecycle events.
package client

import (
	"encoding/json"
	"os"
	"path/filepath"

	"github.com/rustyguts/mumble/audio"
)

// ServerEntry is one saved server in the user's server list.
type ServerEntry struct {
	Name string `json:"name"`
	Addr string `json:"addr"`
}

// Options holds every persistent user preference plus the embedded audio
// tuning knobs, serialized as one JSON document.
type Options struct {
	Username string        `json:"username"`
	Servers  []ServerEntry `json:"servers"`

	IgnoreCertificateVerification bool `json:"ignore_certificate_verification"`

	// ForceTCP tunnels all voice through the TLS control channel instead
	// of ever using UDP.
	ForceTCP bool `json:"force_tcp"`

	InputDeviceID  int `json:"input_device_id"`
	OutputDeviceID int `json:"output_device_id"`

	Audio audio.Config `json:"audio"`
}

// Default returns an Options populated with sensible defaults.
func Default() Options {
	return Options{
		Username:       "mumble-user",
		InputDeviceID:  -1,
		OutputDeviceID: -1,
		Audio:          audio.DefaultConfig(),
		Servers: []ServerEntry{
			{Name: "Local Dev", Addr: "localhost:64738"},
		},
	}
}

// Path returns the absolute path to the options file under the user's
// config directory.
func Path() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "mumble", "options.json"), nil
}

// Load reads the options file and returns it. If the file is missing or
// unreadable, Default() is returned rather than an error.
func Load() Options {
	path, err := Path()
	if err != nil {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return Default()
	}
	opts := Default()
	if err := json.Unmarshal(data, &opts); err != nil {
		return Default()
	}
	return opts
}

// Save writes opts to disk, creating the directory if needed.
func Save(opts Options) error {
	path, err := Path()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	data, err := json.MarshalIndent(opts, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}
