package pack

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/gographics/imagick.v3/imagick"

	"spritegate/internal/fsutil"
	"spritegate/internal/sprite"
)

// Magick composites frames into a PNG sheet with ImageMagick and writes a
// JSON index next to it.
type Magick struct {
	Columns int
	Padding int
	logger  *slog.Logger
}

// NewMagick creates a packer.
func NewMagick(columns, padding int, logger *slog.Logger) *Magick {
	if logger == nil {
		logger = slog.Default()
	}
	return &Magick{Columns: columns, Padding: padding, logger: logger}
}

// Pack writes <move>.png and <move>.json into req.OutDir.
func (m *Magick) Pack(ctx context.Context, req Request) (Atlas, error) {
	if len(req.Frames) == 0 {
		return Atlas{}, errors.New("no frames to pack")
	}
	first := req.Frames[0].Image
	cw, ch := first.Rect.Dx(), first.Rect.Dy()
	rects, width, height := Layout(len(req.Frames), m.Columns, cw, ch, m.Padding)

	atlas := Atlas{
		Move:      req.Move,
		ImagePath: filepath.Join(req.OutDir, req.Move+".png"),
		IndexPath: filepath.Join(req.OutDir, req.Move+".json"),
		Width:     width,
		Height:    height,
		Frames:    make(map[string]Rect, len(req.Frames)),
	}
	if err := os.MkdirAll(req.OutDir, 0o755); err != nil {
		return Atlas{}, err
	}

	imagick.Initialize()
	defer imagick.Terminate()

	sheet := imagick.NewMagickWand()
	defer sheet.Destroy()
	background := imagick.NewPixelWand()
	defer background.Destroy()
	background.SetColor("none")
	if err := sheet.NewImage(uint(width), uint(height), background); err != nil {
		return Atlas{}, fmt.Errorf("create sheet: %w", err)
	}

	for i, f := range req.Frames {
		if err := ctx.Err(); err != nil {
			return Atlas{}, err
		}
		if err := m.place(sheet, f, rects[i]); err != nil {
			return Atlas{}, fmt.Errorf("place %s: %w", f.Name, err)
		}
		atlas.Frames[f.Name] = rects[i]
		atlas.Order = append(atlas.Order, f.Name)
	}

	if err := sheet.SetImageFormat("PNG"); err != nil {
		return Atlas{}, err
	}
	tmp := atlas.ImagePath + ".tmp"
	if err := sheet.WriteImage("png32:" + tmp); err != nil {
		return Atlas{}, fmt.Errorf("write sheet: %w", err)
	}
	if err := os.Rename(tmp, atlas.ImagePath); err != nil {
		return Atlas{}, err
	}
	if err := writeIndex(atlas); err != nil {
		return Atlas{}, err
	}

	m.logger.Info("atlas packed",
		"move", req.Move,
		"frames", len(req.Frames),
		"size", fmt.Sprintf("%dx%d", width, height),
		"path", atlas.ImagePath,
	)
	return atlas, nil
}

func (m *Magick) place(sheet *imagick.MagickWand, f FrameImage, r Rect) error {
	data, err := sprite.Encode(f.Image)
	if err != nil {
		return err
	}
	mw := imagick.NewMagickWand()
	defer mw.Destroy()
	if err := mw.ReadImageBlob(data); err != nil {
		return err
	}
	return sheet.CompositeImage(mw, imagick.COMPOSITE_OP_OVER, true, r.X, r.Y)
}

// writeIndex stores the atlas description with the sheet path relative to
// the index file.
func writeIndex(atlas Atlas) error {
	out := atlas
	out.ImagePath = filepath.Base(atlas.ImagePath)
	encoded, err := json.MarshalIndent(out, "", "  ")
	if err != nil {
		return err
	}
	return fsutil.WriteFileAtomic(atlas.IndexPath, append(encoded, '\n'), 0o644)
}
