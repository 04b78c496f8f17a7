package pack

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"spritegate/internal/align"
	"spritegate/internal/config"
	"spritegate/internal/fsutil"
)

// Structural checks the assertions every released atlas must satisfy.
type Structural struct {
	// BaselineTolerance is the allowed spread of frame baselines in pixels.
	BaselineTolerance int
	// DebugDir receives per-check artifacts when set.
	DebugDir string
}

// Validate runs pivot_consistency, baseline_stability and naming_keys.
func (s *Structural) Validate(ctx context.Context, atlas Atlas, frames []FrameImage) (Report, error) {
	checks := []Check{
		pivotConsistency(atlas),
		s.baselineStability(frames),
		namingKeys(atlas),
	}
	if err := ctx.Err(); err != nil {
		return Report{}, err
	}
	rep := Report{Passed: true, Checks: checks}
	for _, c := range checks {
		if !c.Passed {
			rep.Passed = false
		}
	}
	if s.DebugDir != "" {
		if err := writeDebug(s.DebugDir, atlas, rep, frames); err != nil {
			return rep, fmt.Errorf("write debug artifacts: %w", err)
		}
	}
	return rep, nil
}

func pivotConsistency(atlas Atlas) Check {
	c := Check{Name: "pivot_consistency", Passed: true}
	var w, h int
	for _, name := range atlas.Order {
		r := atlas.Frames[name]
		if w == 0 && h == 0 {
			w, h = r.W, r.H
			continue
		}
		if r.W != w || r.H != h {
			c.Passed = false
			c.Detail = fmt.Sprintf("%s is %dx%d, expected %dx%d", name, r.W, r.H, w, h)
			return c
		}
	}
	return c
}

func (s *Structural) baselineStability(frames []FrameImage) Check {
	c := Check{Name: "baseline_stability", Passed: true}
	lo, hi := -1, -1
	var loName, hiName string
	for _, f := range frames {
		g, err := align.Measure(f.Image, config.AlignCenter, 0)
		if err != nil || g.Empty {
			continue
		}
		if lo < 0 || g.BottomY < lo {
			lo, loName = g.BottomY, f.Name
		}
		if hi < 0 || g.BottomY > hi {
			hi, hiName = g.BottomY, f.Name
		}
	}
	if spread := hi - lo; spread > s.BaselineTolerance {
		c.Passed = false
		c.Detail = fmt.Sprintf("baseline spread %dpx (%s at %d, %s at %d) exceeds %dpx",
			spread, loName, lo, hiName, hi, s.BaselineTolerance)
	}
	return c
}

func namingKeys(atlas Atlas) Check {
	c := Check{Name: "naming_keys", Passed: true}
	pattern := regexp.MustCompile(`^` + regexp.QuoteMeta(atlas.Move) + `_(\d{4})$`)
	var problems []string
	seen := map[string]bool{}
	var indices []int
	for _, name := range atlas.Order {
		if seen[name] {
			problems = append(problems, "duplicate "+name)
			continue
		}
		seen[name] = true
		m := pattern.FindStringSubmatch(name)
		if m == nil {
			problems = append(problems, "bad name "+name)
			continue
		}
		i, _ := strconv.Atoi(m[1])
		indices = append(indices, i)
	}
	if len(atlas.Frames) != len(seen) {
		problems = append(problems, fmt.Sprintf("index has %d keys, order has %d", len(atlas.Frames), len(seen)))
	}
	sort.Ints(indices)
	for want, got := range indices {
		if got != want {
			problems = append(problems, fmt.Sprintf("gap at %04d", want))
			break
		}
	}
	if len(problems) > 0 {
		c.Passed = false
		c.Detail = strings.Join(problems, "; ")
	}
	return c
}

type debugBaseline struct {
	Name    string `json:"name"`
	BottomY int    `json:"bottom_y"`
	Empty   bool   `json:"empty,omitempty"`
}

func writeDebug(dir string, atlas Atlas, rep Report, frames []FrameImage) error {
	baselines := make([]debugBaseline, 0, len(frames))
	for _, f := range frames {
		g, _ := align.Measure(f.Image, config.AlignCenter, 0)
		baselines = append(baselines, debugBaseline{Name: f.Name, BottomY: g.BottomY, Empty: g.Empty})
	}
	body := struct {
		Move      string          `json:"move"`
		Report    Report          `json:"report"`
		Baselines []debugBaseline `json:"baselines"`
	}{atlas.Move, rep, baselines}
	return writeJSON(filepath.Join(dir, atlas.Move+".validation.json"), body)
}

func writeJSON(path string, v any) error {
	encoded, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(path, append(encoded, '\n'), 0o644)
}
