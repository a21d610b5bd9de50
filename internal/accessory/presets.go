package accessory

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// PresetOptions selects the built-in device generators. Each generator asks
// the host's setup tool what is installed and returns descriptors for it.
type PresetOptions struct {
	SetupTool    string
	CameraTool   string
	Manufacturer string
	Interval     int

	MediaService  bool
	MediaWorkflow []string
	Camera        bool
	CameraFlow    []string
	CEC           bool
	Sensor        bool
}

// Enabled reports whether any generator is switched on.
func (o PresetOptions) Enabled() bool {
	return o.MediaService || o.Camera || o.CEC || o.Sensor
}

// presetBuilder runs the host probes for one BuildPresets call.
type presetBuilder struct {
	ctx    context.Context
	runner CommandRunner
	opts   PresetOptions
	logger Logger

	serial string
	model  string
}

// BuildPresets generates descriptors for the host's own services. Devices
// whose code or name already appears in configured are not generated again.
// Probe failures skip the affected generator.
func BuildPresets(ctx context.Context, runner CommandRunner, opts PresetOptions, configured []Descriptor, logger Logger) []Descriptor {
	if !opts.Enabled() {
		return nil
	}
	if logger == nil {
		logger = noopLogger{}
	}
	if opts.Interval < 1 {
		opts.Interval = 60
	}

	b := &presetBuilder{ctx: ctx, runner: runner, opts: opts, logger: logger}
	b.serial = b.output(b.setup("-g raspberry -s"))
	b.model = b.output(b.setup("-g raspberry -m"))

	taken := make(map[string]bool, len(configured))
	for _, d := range configured {
		taken[strings.ToLower(d.Code)] = true
		taken[strings.ToLower(d.Name)] = true
	}

	var out []Descriptor
	add := func(ds ...Descriptor) {
		for _, d := range ds {
			if taken[strings.ToLower(d.Code)] || taken[strings.ToLower(d.Name)] {
				logger.Debug("preset already configured", "device", d.Name)
				continue
			}
			taken[strings.ToLower(d.Code)] = true
			taken[strings.ToLower(d.Name)] = true
			out = append(out, d)
		}
	}

	if opts.MediaService {
		add(b.mediaService()...)
	}
	if opts.Camera {
		add(b.cameras()...)
	}
	if opts.CEC {
		add(b.cec()...)
	}
	if opts.Sensor {
		add(b.sensor())
	}
	return out
}

func (b *presetBuilder) setup(args string) string {
	return b.opts.SetupTool + " " + args
}

// output runs command and returns its trimmed output, or "" on failure.
func (b *presetBuilder) output(command string) string {
	res, err := b.runner.Run(b.ctx, command)
	if err != nil {
		b.logger.Debug("preset probe failed", "command", command, "error", err)
		return ""
	}
	return res.Output()
}

// serialFor prefixes the host serial, replacing as many leading characters
// as the prefix is long.
func (b *presetBuilder) serialFor(prefix string) string {
	if len(b.serial) <= len(prefix) {
		return prefix
	}
	return prefix + b.serial[len(prefix):]
}

func (b *presetBuilder) serviceSwitch(code, name, model string) Descriptor {
	return Descriptor{
		Name:         name,
		Code:         code,
		Type:         TypeSwitch,
		OnCmd:        b.setup("-s service -on " + code),
		OffCmd:       b.setup("-s service -off " + code),
		StateCmd:     b.setup("-g service -e " + code),
		StateOn:      "running",
		Polling:      true,
		Interval:     b.opts.Interval,
		Manufacturer: b.opts.Manufacturer,
		Model:        model,
	}
}

func (b *presetBuilder) installed(service string) bool {
	return b.output(b.setup("-g service -b "+service)) != ""
}

func (b *presetBuilder) mediaService() []Descriptor {
	if !b.installed("mcpi") {
		b.logger.Info("media service not installed, preset skipped")
		return nil
	}

	d := b.serviceSwitch("mcpi", "MCPi", "hap-clue-mcpi")
	d.Serial = b.serialFor("MCPI")
	d.Workflow = []string{
		"sleep 10",
		b.setup("-s mcpi -p party"),
		"sleep 10",
		b.setup("-s mcpi -s home"),
	}
	if len(b.opts.MediaWorkflow) > 0 {
		d.Workflow = append([]string(nil), b.opts.MediaWorkflow...)
	}
	return []Descriptor{d}
}

func (b *presetBuilder) cameras() []Descriptor {
	if !b.installed("picam") {
		b.logger.Info("camera service not installed, preset skipped")
		return nil
	}

	parent := b.serviceSwitch("picam", "PiCam", "hap-clue-picam")
	parent.Serial = b.serialFor("PICAM")
	if len(b.opts.CameraFlow) > 0 {
		parent.Workflow = append([]string(nil), b.opts.CameraFlow...)
	}
	out := []Descriptor{parent}

	for _, id := range strings.Fields(b.output(b.opts.CameraTool + " -s list")) {
		out = append(out, Descriptor{
			Name:         "Camera " + id,
			Code:         strings.ToLower("cam" + id),
			Type:         TypeSwitch,
			OnCmd:        fmt.Sprintf("%s -c 'start service on #%s'", b.opts.CameraTool, id),
			OffCmd:       fmt.Sprintf("%s -c 'stop service on #%s'", b.opts.CameraTool, id),
			StateCmd:     fmt.Sprintf("%s -s CameraStatus@%s", b.opts.CameraTool, id),
			StateOn:      "on",
			StateOff:     "off",
			Link:         parent.Name,
			Polling:      true,
			Interval:     b.opts.Interval,
			Manufacturer: b.opts.Manufacturer,
			Model:        "hap-clue-picam",
			Serial:       b.serialFor("CAM" + id),
		})
	}
	return out
}

// cecReport is the setup tool's HDMI-CEC device listing.
type cecReport struct {
	Devices []struct {
		ID         string `json:"id"`
		Properties struct {
			Name    string `json:"name"`
			Type    string `json:"type"`
			Version string `json:"version"`
		} `json:"properties"`
	} `json:"devices"`
}

func (b *presetBuilder) cec() []Descriptor {
	raw := b.output(b.setup("-g cec -s json"))
	if raw == "" {
		return nil
	}

	var report cecReport
	if err := json.Unmarshal([]byte(raw), &report); err != nil {
		b.logger.Warn("cec listing unreadable", "error", err)
		return nil
	}

	var out []Descriptor
	for _, dev := range report.Devices {
		p := dev.Properties
		nameCode := compactLower(p.Name)
		typeCode := compactLower(p.Type)

		// The bridge host itself and devices predating CEC 1.4 are skipped.
		if nameCode == "clue" || nameCode == "raspberry" {
			continue
		}
		if p.Version == "unknown" || p.Version <= "1.3" {
			continue
		}
		// Audio systems need volume control, which is not supported.
		if strings.Contains(typeCode, "audio") {
			b.logger.Debug("cec audio device skipped", "device", p.Name)
			continue
		}

		out = append(out, Descriptor{
			Name:         strings.TrimSpace(p.Name),
			Code:         nameCode + "_" + typeCode,
			Type:         TypeSwitch,
			OnCmd:        b.setup("-s cec -on " + dev.ID),
			OffCmd:       b.setup("-s cec -off " + dev.ID),
			StateCmd:     b.setup("-g cec -i power " + dev.ID),
			StateOn:      "on",
			StateOff:     "standby",
			Polling:      true,
			Interval:     b.opts.Interval,
			Manufacturer: b.opts.Manufacturer,
			Model:        "hap-clue-cec",
			Serial:       b.serialFor("CEC" + dev.ID),
		})
	}
	return out
}

func (b *presetBuilder) sensor() Descriptor {
	return Descriptor{
		Name:         "RPiSensor",
		Code:         "rpisensor",
		Type:         TypeTemperatureSensor,
		StateCmd:     b.setup("-g raspberry -t"),
		MinValue:     -35,
		MaxValue:     120,
		Polling:      true,
		Interval:     b.opts.Interval,
		Manufacturer: "element14",
		Model:        b.model,
		Serial:       b.serial,
	}
}

func compactLower(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), ""))
}
