package gui

import (
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
)

// XDoDevice synthesizes input through xdotool. It is the production
// InputDevice on the X11 worker hosts.
type XDoDevice struct {
	// Display overrides $DISPLAY when set.
	Display string
}

func (d *XDoDevice) run(args ...string) error {
	cmd := exec.Command("xdotool", args...)
	if d.Display != "" {
		cmd.Env = append(os.Environ(), "DISPLAY="+d.Display)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xdotool %s: %w: %s", args[0], err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *XDoDevice) MoveMouse(x, y int) error {
	return d.run("mousemove", strconv.Itoa(x), strconv.Itoa(y))
}

func (d *XDoDevice) Click(x, y int) error {
	if err := d.MoveMouse(x, y); err != nil {
		return err
	}
	return d.run("click", "1")
}

func (d *XDoDevice) TypeText(text string) error {
	// --clearmodifiers so a stuck shift from a prior action cannot corrupt
	// a credential.
	return d.run("type", "--clearmodifiers", "--delay", "40", "--", text)
}

func (d *XDoDevice) PressKey(key string) error {
	return d.run("key", "--clearmodifiers", key)
}

func (d *XDoDevice) Scroll(deltaY int) error {
	button := "5"
	clicks := deltaY
	if deltaY < 0 {
		button = "4"
		clicks = -deltaY
	}
	for i := 0; i < clicks; i++ {
		if err := d.run("click", button); err != nil {
			return err
		}
	}
	return nil
}

func (d *XDoDevice) WriteClipboard(text string) error {
	cmd := exec.Command("xclip", "-selection", "clipboard")
	if d.Display != "" {
		cmd.Env = append(os.Environ(), "DISPLAY="+d.Display)
	}
	cmd.Stdin = strings.NewReader(text)
	if out, err := cmd.CombinedOutput(); err != nil {
		return fmt.Errorf("xclip: %w: %s", err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (d *XDoDevice) FocusWindow(title string) error {
	return d.run("search", "--name", title, "windowactivate")
}

// X11Screen captures the display with ImageMagick's import.
type X11Screen struct {
	// Display overrides $DISPLAY when set.
	Display string
	// TmpDir holds the capture files; os.TempDir when empty.
	TmpDir string
}

func (s *X11Screen) Screenshot() ([]byte, error) {
	dir := s.TmpDir
	if dir == "" {
		dir = os.TempDir()
	}
	path := filepath.Join(dir, fmt.Sprintf("capture-%d.png", os.Getpid()))
	defer func() { _ = os.Remove(path) }()

	cmd := exec.Command("import", "-window", "root", path)
	if s.Display != "" {
		cmd.Env = append(os.Environ(), "DISPLAY="+s.Display)
	}
	if out, err := cmd.CombinedOutput(); err != nil {
		return nil, fmt.Errorf("screen capture: %w: %s", err, strings.TrimSpace(string(out)))
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading capture: %w", err)
	}
	return data, nil
}
