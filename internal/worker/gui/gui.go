// Package gui serializes access to the machine's single input device. One
// job may click while another waits on a user-supplied code, but two jobs
// must never click at once.
package gui

import "sync"

// InputDevice is the low-level input surface. Implementations synthesize
// real mouse and keyboard events; tests substitute a recorder.
type InputDevice interface {
	MoveMouse(x, y int) error
	Click(x, y int) error
	TypeText(text string) error
	PressKey(key string) error
	Scroll(deltaY int) error
	WriteClipboard(text string) error
	FocusWindow(title string) error
}

// Screen captures the display. Reads do not touch the input device and run
// outside the input lock.
type Screen interface {
	Screenshot() ([]byte, error)
}

// inputLock is the process-wide mutex over every GUI-producing action.
var inputLock sync.Mutex

// Controller wraps an InputDevice so every action holds the process-wide
// input lock. Vision calls, screenshots, and challenge waits must go around
// the Controller, never through it.
type Controller struct {
	device InputDevice
}

// NewController wraps a device with the input lock.
func NewController(device InputDevice) *Controller {
	return &Controller{device: device}
}

// WithLock runs fn while holding the input lock. Drivers use this to make a
// click-then-type sequence atomic against other jobs.
func (c *Controller) WithLock(fn func(d InputDevice) error) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return fn(c.device)
}

func (c *Controller) MoveMouse(x, y int) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.MoveMouse(x, y)
}

func (c *Controller) Click(x, y int) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.Click(x, y)
}

func (c *Controller) TypeText(text string) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.TypeText(text)
}

func (c *Controller) PressKey(key string) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.PressKey(key)
}

func (c *Controller) Scroll(deltaY int) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.Scroll(deltaY)
}

func (c *Controller) WriteClipboard(text string) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.WriteClipboard(text)
}

func (c *Controller) FocusWindow(title string) error {
	inputLock.Lock()
	defer inputLock.Unlock()
	return c.device.FocusWindow(title)
}
