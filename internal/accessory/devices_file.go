package accessory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"gopkg.in/yaml.v3"
)

// devicesDocument is the top-level shape of a devices file.
type devicesDocument struct {
	Devices []Descriptor `json:"devices" yaml:"devices"`
}

// LoadDescriptors reads the device list from path. Files ending in .json are
// decoded as JSON, anything else as YAML. A missing file yields an empty list.
func LoadDescriptors(path string) ([]Descriptor, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading devices file: %w", err)
	}

	var doc devicesDocument
	if isJSON(path) {
		err = json.Unmarshal(data, &doc)
	} else {
		err = yaml.Unmarshal(data, &doc)
	}
	if err != nil {
		return nil, fmt.Errorf("parsing devices file %s: %w", path, err)
	}

	for i := range doc.Devices {
		doc.Devices[i].Normalize()
	}
	return doc.Devices, nil
}

// SaveDescriptors writes the device list to path, replacing the file
// atomically so a crash never leaves a truncated list behind.
func SaveDescriptors(path string, devices []Descriptor) error {
	doc := devicesDocument{Devices: devices}

	var (
		data []byte
		err  error
	)
	if isJSON(path) {
		data, err = json.MarshalIndent(doc, "", "  ")
	} else {
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return fmt.Errorf("encoding devices file: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("creating devices directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".devices-*")
	if err != nil {
		return fmt.Errorf("creating temp devices file: %w", err)
	}
	defer os.Remove(tmp.Name()) //nolint:errcheck // no-op after a successful rename

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing devices file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing devices file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("replacing devices file: %w", err)
	}
	return nil
}

func isJSON(path string) bool {
	return strings.EqualFold(filepath.Ext(path), ".json")
}
