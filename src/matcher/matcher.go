package matcher

import (
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"log"
	"os"
	"sync"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/webp"

	"tcp-clicker/src/screenshot"
)

// DefaultScale is the pyramid factor used for the coarse search.
const DefaultScale = 4

// CaptureFunc grabs the screen. The image bounds carry screen coordinates.
type CaptureFunc func() (*image.RGBA, error)

// Clicker performs a left click at a screen position.
type Clicker interface {
	Click(x, y int) error
}

type cachedTemplate struct {
	modTime time.Time
	size    int64
	gray    *grayImage
}

// ScreenMatcher captures the screen, locates a template image and clicks
// its centre when the match score reaches the threshold.
type ScreenMatcher struct {
	Capture CaptureFunc
	Clicker Clicker
	Scale   int

	mu    sync.Mutex
	cache map[string]cachedTemplate
}

// New returns a matcher that captures the virtual screen and clicks with robotgo.
func New() *ScreenMatcher {
	return &ScreenMatcher{
		Capture: screenshot.Capture,
		Clicker: RobotClicker{},
		Scale:   DefaultScale,
	}
}

// loadTemplate decodes the template at path, reusing the cached copy while
// the file is unchanged.
func (m *ScreenMatcher) loadTemplate(path string) (*grayImage, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("matcher: template %s: %w", path, err)
	}

	m.mu.Lock()
	if c, ok := m.cache[path]; ok && c.modTime.Equal(info.ModTime()) && c.size == info.Size() {
		m.mu.Unlock()
		return c.gray, nil
	}
	m.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("matcher: template %s: %w", path, err)
	}
	defer f.Close()
	img, format, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("matcher: decode %s: %w", path, err)
	}
	g := toGray(img)
	log.Printf("matcher: loaded %s template %s (%dx%d)", format, path, g.w, g.h)

	m.mu.Lock()
	if m.cache == nil {
		m.cache = make(map[string]cachedTemplate)
	}
	m.cache[path] = cachedTemplate{modTime: info.ModTime(), size: info.Size(), gray: g}
	m.mu.Unlock()
	return g, nil
}

// Find locates the template on a fresh capture. The result is in screen
// coordinates.
func (m *ScreenMatcher) Find(templatePath string) (Result, error) {
	tmpl, err := m.loadTemplate(templatePath)
	if err != nil {
		return Result{}, err
	}
	shot, err := m.Capture()
	if err != nil {
		return Result{}, err
	}
	scale := m.Scale
	if scale <= 0 {
		scale = 1
	}
	res, err := locate(toGray(shot), tmpl, scale)
	if err != nil {
		return Result{}, err
	}
	res.X += shot.Bounds().Min.X
	res.Y += shot.Bounds().Min.Y
	return res, nil
}

// MatchAndClick runs one cycle. It returns true only when the best score
// is at least threshold and the click succeeded.
func (m *ScreenMatcher) MatchAndClick(templatePath string, threshold float64) (bool, error) {
	res, err := m.Find(templatePath)
	if err != nil {
		return false, err
	}
	if res.Score < threshold {
		return false, nil
	}
	c := res.Center()
	if err := m.Clicker.Click(c.X, c.Y); err != nil {
		return false, fmt.Errorf("matcher: click at (%d,%d): %w", c.X, c.Y, err)
	}
	log.Printf("matcher: score %.3f, clicked (%d,%d)", res.Score, c.X, c.Y)
	return true, nil
}
