package sources

import (
	"fmt"
	"image"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/Tutortoise/presence-detection-service/models"
	"github.com/disintegration/imaging"
)

var imageExtensions = map[string]bool{
	".jpg":  true,
	".jpeg": true,
	".png":  true,
	".gif":  true,
	".bmp":  true,
	".tif":  true,
	".tiff": true,
}

// FromImage converts any image into a packed RGBA frame
func FromImage(img image.Image) *models.Frame {
	nrgba := imaging.Clone(img)
	w, h := nrgba.Rect.Dx(), nrgba.Rect.Dy()
	pix := nrgba.Pix
	if nrgba.Stride != w*4 {
		pix = make([]byte, w*h*4)
		for y := 0; y < h; y++ {
			copy(pix[y*w*4:(y+1)*w*4], nrgba.Pix[y*nrgba.Stride:])
		}
	}
	return &models.Frame{
		Width:  w,
		Height: h,
		Pix:    pix,
	}
}

// Static always serves the same frame
type Static struct {
	frame *models.Frame
}

func NewStatic(frame *models.Frame) *Static {
	return &Static{frame: frame}
}

func (s *Static) Ready() bool {
	return s.frame != nil
}

func (s *Static) Frame() (*models.Frame, error) {
	if s.frame == nil {
		return nil, fmt.Errorf("no frame")
	}
	return s.frame, nil
}

// ImageSequence serves frames from an image file, or cycles through the images
// in a directory in name order. A directory that is empty (or doesn't exist yet)
// is rescanned every time Ready is called.
// It is not safe for concurrent use.
type ImageSequence struct {
	path  string
	isDir bool
	files []string
	next  int
}

func NewImageSequence(path string) (*ImageSequence, error) {
	st, err := os.Stat(path)
	if err != nil && !os.IsNotExist(err) {
		return nil, err
	}
	s := &ImageSequence{
		path:  path,
		isDir: err != nil || st.IsDir(),
	}
	if !s.isDir {
		if !isImage(path) {
			return nil, fmt.Errorf("%v is not a supported image type", path)
		}
		s.files = []string{path}
	} else {
		s.rescan()
	}
	return s, nil
}

func isImage(name string) bool {
	return imageExtensions[strings.ToLower(filepath.Ext(name))]
}

func (s *ImageSequence) rescan() {
	entries, err := os.ReadDir(s.path)
	if err != nil {
		return
	}
	files := []string{}
	for _, e := range entries {
		if !e.IsDir() && isImage(e.Name()) {
			files = append(files, filepath.Join(s.path, e.Name()))
		}
	}
	sort.Strings(files)
	s.files = files
	s.next = 0
}

// Len is the number of images in the sequence
func (s *ImageSequence) Len() int {
	return len(s.files)
}

func (s *ImageSequence) Ready() bool {
	if len(s.files) == 0 && s.isDir {
		s.rescan()
	}
	return len(s.files) != 0
}

// Frame decodes the next image in the sequence, wrapping around at the end.
// When the sequence wraps, a directory is rescanned so that new images are picked up.
func (s *ImageSequence) Frame() (*models.Frame, error) {
	if len(s.files) == 0 {
		return nil, fmt.Errorf("no images in %v", s.path)
	}
	if s.next >= len(s.files) {
		if s.isDir {
			s.rescan()
			if len(s.files) == 0 {
				return nil, fmt.Errorf("no images in %v", s.path)
			}
		}
		s.next = 0
	}
	filename := s.files[s.next]
	s.next++
	img, err := imaging.Open(filename, imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("failed to decode %v: %w", filename, err)
	}
	return FromImage(img), nil
}
