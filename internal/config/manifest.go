package config

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image/color"
	"os"
	"path/filepath"
	"regexp"

	"github.com/lucasb-eyer/go-colorful"
	"gopkg.in/yaml.v3"

	"spritegate/internal/failure"
)

var moveNamePattern = regexp.MustCompile(`^[a-z0-9][a-z0-9_]*$`)

// Manifest describes one move to generate: its frames, identity anchor,
// palette and prompt set.
type Manifest struct {
	Character string   `yaml:"character"`
	Move      string   `yaml:"move"`
	MoveType  string   `yaml:"move_type"`
	Frames    int      `yaml:"frames"`
	Cyclic    bool     `yaml:"cyclic"`
	Anchor    string   `yaml:"anchor"`
	Palette   []string `yaml:"palette,omitempty"`
	Prompts   Prompts  `yaml:"prompts"`
	SeedSalt  string   `yaml:"seed_salt,omitempty"`

	dir string
}

// Prompts are the prompt fragments the retry ladder chooses between.
type Prompts struct {
	Base     string `yaml:"base"`
	Negative string `yaml:"negative"`
	Recovery string `yaml:"recovery"`
	Pose     string `yaml:"pose"`
}

// LoadManifest reads and validates a YAML move manifest. Relative anchor paths
// resolve against the manifest's directory.
func LoadManifest(path string) (*Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, failure.Config("read manifest", err)
	}
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, failure.Config("parse manifest", fmt.Errorf("%s: %w", path, err))
	}
	m.dir = filepath.Dir(path)
	if err := m.Validate(); err != nil {
		return nil, err
	}
	return &m, nil
}

// Validate checks required manifest fields.
func (m *Manifest) Validate() error {
	var problems []error
	if !moveNamePattern.MatchString(m.Move) {
		problems = append(problems, fmt.Errorf("move: %q must match %s", m.Move, moveNamePattern))
	}
	if m.Frames < 1 || m.Frames > 9999 {
		problems = append(problems, fmt.Errorf("frames: %d outside [1, 9999]", m.Frames))
	}
	if m.Anchor == "" {
		problems = append(problems, errors.New("anchor: required"))
	}
	if _, err := m.PaletteColors(); err != nil {
		problems = append(problems, err)
	}
	if len(problems) > 0 {
		return failure.Config("validate manifest", errors.Join(problems...))
	}
	return nil
}

// AnchorPath returns the resolved anchor image path.
func (m *Manifest) AnchorPath() string {
	if filepath.IsAbs(m.Anchor) || m.dir == "" {
		return m.Anchor
	}
	return filepath.Join(m.dir, m.Anchor)
}

// PaletteColors parses the hex palette. An empty palette yields nil.
func (m *Manifest) PaletteColors() ([]color.NRGBA, error) {
	out := make([]color.NRGBA, 0, len(m.Palette))
	for _, h := range m.Palette {
		c, err := colorful.Hex(h)
		if err != nil {
			return nil, fmt.Errorf("palette: %q: %w", h, err)
		}
		r, g, b := c.RGB255()
		out = append(out, color.NRGBA{R: r, G: g, B: b, A: 255})
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out, nil
}

// Fingerprint hashes the canonical manifest together with the anchor bytes.
// Any change to either invalidates a persisted run.
func (m *Manifest) Fingerprint() (string, error) {
	canonical, err := yaml.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("marshal manifest: %w", err)
	}
	anchor, err := os.ReadFile(m.AnchorPath())
	if err != nil {
		return "", failure.Config("read anchor", err)
	}
	h := sha256.New()
	h.Write(canonical)
	h.Write([]byte{0})
	h.Write(anchor)
	return hex.EncodeToString(h.Sum(nil)), nil
}
