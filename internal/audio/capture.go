package audio

import (
	"fmt"
	"sync"

	"github.com/gordonklaus/portaudio"
)

// PortAudio opens microphone streams through the system PortAudio library.
type PortAudio struct {
	excludedDevs []string
}

// NewPortAudio initializes PortAudio. Devices whose names contain any of
// excludedDevices (case-insensitive) are hidden and never auto-selected.
func NewPortAudio(excludedDevices []string) (*PortAudio, error) {
	if err := portaudio.Initialize(); err != nil {
		return nil, err
	}
	return &PortAudio{excludedDevs: excludedDevices}, nil
}

// Close releases PortAudio.
func (p *PortAudio) Close() error { return portaudio.Terminate() }

// Devices lists input-capable devices.
func (p *PortAudio) Devices() ([]DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}
	def, _ := portaudio.DefaultInputDevice()

	var out []DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || p.isExcluded(dev.Name) {
			continue
		}
		out = append(out, DeviceInfo{
			Name:     dev.Name,
			Kind:     classifyDevice(dev.Name),
			Channels: dev.MaxInputChannels,
			Rate:     dev.DefaultSampleRate,
			Default:  def != nil && def.Name == dev.Name,
		})
	}
	return out, nil
}

// Open starts a mono int16 stream on device. An empty name picks the
// system default input, or the best microphone if the default is excluded.
func (p *PortAudio) Open(device string, sampleRate, framesPerBuffer int) (Source, error) {
	dev, err := p.pick(device)
	if err != nil {
		return nil, err
	}

	params := portaudio.StreamParameters{
		Input: portaudio.StreamDeviceParameters{
			Device:   dev,
			Channels: 1,
			Latency:  dev.DefaultLowInputLatency,
		},
		SampleRate:      float64(sampleRate),
		FramesPerBuffer: framesPerBuffer,
	}

	buf := make([]int16, framesPerBuffer)
	stream, err := portaudio.OpenStream(params, buf)
	if err != nil {
		return nil, err
	}
	if err := stream.Start(); err != nil {
		stream.Close()
		return nil, err
	}
	return &deviceCapture{stream: stream, buf: buf}, nil
}

func (p *PortAudio) pick(name string) (*portaudio.DeviceInfo, error) {
	devices, err := portaudio.Devices()
	if err != nil {
		return nil, err
	}

	if name != "" {
		for _, dev := range devices {
			if dev.MaxInputChannels > 0 && dev.Name == name {
				return dev, nil
			}
		}
		for _, dev := range devices {
			if dev.MaxInputChannels > 0 && containsIgnoreCase(dev.Name, name) {
				return dev, nil
			}
		}
		return nil, fmt.Errorf("input device %q not found", name)
	}

	if def, err := portaudio.DefaultInputDevice(); err == nil && def != nil && !p.isExcluded(def.Name) {
		return def, nil
	}

	var best *portaudio.DeviceInfo
	for _, dev := range devices {
		if dev.MaxInputChannels < 1 || p.isExcluded(dev.Name) || classifyDevice(dev.Name) != "microphone" {
			continue
		}
		if best == nil || preferDevice(dev.Name, best.Name) {
			best = dev
		}
	}
	if best == nil {
		return nil, fmt.Errorf("no usable input device")
	}
	return best, nil
}

func (p *PortAudio) isExcluded(name string) bool {
	for _, ex := range p.excludedDevs {
		if containsIgnoreCase(name, ex) {
			return true
		}
	}
	return false
}

type deviceCapture struct {
	stream   *portaudio.Stream
	buf      []int16
	stopOnce sync.Once
}

// Read blocks until one buffer of frames has been captured.
func (d *deviceCapture) Read(dst []int16) (int, error) {
	if err := d.stream.Read(); err != nil {
		return 0, err
	}
	return copy(dst, d.buf), nil
}

func (d *deviceCapture) Close() error {
	var err error
	d.stopOnce.Do(func() {
		_ = d.stream.Stop()
		err = d.stream.Close()
	})
	return err
}

func classifyDevice(name string) string {
	for _, kw := range []string{"blackhole", "vb-cable", "loopback", "monitor", "soundflower"} {
		if containsIgnoreCase(name, kw) {
			return "loopback"
		}
	}
	for _, kw := range []string{"microphone", "input", "mic", "built-in"} {
		if containsIgnoreCase(name, kw) {
			return "microphone"
		}
	}
	return ""
}

// preferDevice favors built-in microphones over external or virtual ones.
func preferDevice(name, current string) bool {
	for _, p := range []string{"macbook", "built-in"} {
		if containsIgnoreCase(name, p) && !containsIgnoreCase(current, p) {
			return true
		}
	}
	return false
}

func containsIgnoreCase(s, substr string) bool {
	return len(s) >= len(substr) && (s == substr || containsIgnoreCaseImpl(s, substr))
}

const asciiCaseOffset = 'a' - 'A'

func containsIgnoreCaseImpl(s, substr string) bool {
	for i := 0; i <= len(s)-len(substr); i++ {
		match := true
		for j := 0; j < len(substr); j++ {
			c1, c2 := s[i+j], substr[j]
			if c1 >= 'A' && c1 <= 'Z' {
				c1 += asciiCaseOffset
			}
			if c2 >= 'A' && c2 <= 'Z' {
				c2 += asciiCaseOffset
			}
			if c1 != c2 {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
