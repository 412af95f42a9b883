// Package driver runs one browser automation to completion: screenshot,
// ask the vision model, act, repeat. The run has two phases. The sign-in
// phase is page-driven: each page classification maps to a fixed input
// sequence until the model reports signed_in. The flow phase is
// action-driven: the model proposes clicks, typing, and scrolls toward the
// objective. Interactive challenges block on callbacks bridged to the
// orchestrator.
package driver

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/zjrosen/concierge/internal/log"
	"github.com/zjrosen/concierge/internal/worker/gui"
	"github.com/zjrosen/concierge/internal/worker/vision"
)

// Callbacks bridge challenge prompts to the orchestrator. Both block the
// driver until the user answers or the challenge window closes.
type Callbacks interface {
	OTPNeeded(ctx context.Context, jobID, service string) (string, error)
	CredentialNeeded(ctx context.Context, jobID, service, name string) (string, error)
}

// Config carries driver tunables.
type Config struct {
	// MaxIterations bounds the see-decide-act loop.
	MaxIterations int
	// SettleDelay is the pause after an action before the next screenshot.
	SettleDelay time.Duration
	// StuckThreshold is the rolling window length of the stuck detector:
	// this many identical (page, action) classifications in a row, or this
	// many identical screenshots, fail the job.
	StuckThreshold int
	// ChallengeTimeout bounds each blocking callback wait.
	ChallengeTimeout time.Duration
}

// Job is one unit of browser work.
type Job struct {
	JobID       string
	Service     string
	Action      string
	Credentials map[string][]byte
}

// Stats summarizes a run for the action log.
type Stats struct {
	Iterations  int `json:"iterations"`
	VisionCalls int `json:"vision_calls"`
	Challenges  int `json:"challenges"`
}

// Result is the driver's terminal report.
type Result struct {
	Success       bool
	AccessEndDate string
	Error         string
	ErrorCode     string
	Stats         Stats
}

// Error codes reported to the orchestrator.
const (
	ErrCodeCredentialInvalid = "credential_invalid"
	ErrCodeCaptcha           = "captcha"
	ErrCodeEmailLink         = "email_link"
	ErrCodeStuck             = "stuck"
	ErrCodeChallengeTimeout  = "timeout_challenge"
	ErrCodeAborted           = "aborted"
	ErrCodeAutomation        = "automation_failed"
)

// Driver drives browser automations.
type Driver struct {
	gui       *gui.Controller
	screen    gui.Screen
	vision    vision.Client
	callbacks Callbacks
	cfg       Config
}

// New creates a driver.
func New(controller *gui.Controller, screen gui.Screen, visionClient vision.Client, callbacks Callbacks, cfg Config) *Driver {
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = 60
	}
	if cfg.StuckThreshold <= 0 {
		cfg.StuckThreshold = 3
	}
	return &Driver{
		gui:       controller,
		screen:    screen,
		vision:    visionClient,
		callbacks: callbacks,
		cfg:       cfg,
	}
}

// stuckWindow is a rolling window of the last K observations. It trips when
// the window is full and every entry matches.
type stuckWindow struct {
	size    int
	entries []string
}

func (w *stuckWindow) observe(entry string) bool {
	w.entries = append(w.entries, entry)
	if len(w.entries) > w.size {
		w.entries = w.entries[1:]
	}
	if len(w.entries) < w.size {
		return false
	}
	for _, e := range w.entries[1:] {
		if e != w.entries[0] {
			return false
		}
	}
	return true
}

func (w *stuckWindow) reset() {
	w.entries = w.entries[:0]
}

// Run executes the job to a terminal result. Credentials are overwritten
// with zero bytes before the map is dropped, whatever the outcome.
func (d *Driver) Run(ctx context.Context, job Job) Result {
	creds := make(map[string][]byte, len(job.Credentials))
	for name, value := range job.Credentials {
		copied := make([]byte, len(value))
		copy(copied, value)
		creds[name] = copied
	}
	defer zeroCredentials(creds)

	signInObjective := fmt.Sprintf("sign in to %s", job.Service)
	flowObjective := fmt.Sprintf("%s the %s subscription", job.Action, job.Service)

	var stats Stats
	signedIn := false
	// Two windows, tripped independently: the model repeating itself, and
	// the screen not changing at all.
	pairs := &stuckWindow{size: d.cfg.StuckThreshold}
	hashes := &stuckWindow{size: d.cfg.StuckThreshold}

	for i := 0; i < d.cfg.MaxIterations; i++ {
		if err := ctx.Err(); err != nil {
			return Result{ErrorCode: ErrCodeAborted, Error: "job cancelled", Stats: stats}
		}
		stats.Iterations = i + 1

		shot, err := d.screen.Screenshot()
		if err != nil {
			return Result{ErrorCode: ErrCodeAutomation, Error: fmt.Sprintf("screenshot: %v", err), Stats: stats}
		}

		objective := flowObjective
		if !signedIn {
			objective = signInObjective
		}
		decision, err := d.vision.Decide(ctx, shot, objective)
		if err != nil {
			if ctx.Err() != nil {
				return Result{ErrorCode: ErrCodeAborted, Error: "job cancelled", Stats: stats}
			}
			return Result{ErrorCode: ErrCodeAutomation, Error: fmt.Sprintf("vision: %v", err), Stats: stats}
		}
		stats.VisionCalls++
		log.Debug(log.CatDriver, "Vision decision", "jobID", job.JobID,
			"page", string(decision.Page), "action", string(decision.Action), "signedIn", signedIn)

		transitioned := !signedIn && decision.Page == vision.PageSignedIn
		if transitioned {
			signedIn = true
			// The flow starts from a clean detector.
			pairs.reset()
			hashes.reset()
			log.Info(log.CatDriver, "Signed in", "jobID", job.JobID, "service", job.Service)
		}

		// Terminal verdicts end the run in either phase.
		switch decision.Action {
		case vision.ActionDone:
			return Result{Success: true, AccessEndDate: decision.BillingEndDate, Stats: stats}
		case vision.ActionFail:
			code := ErrCodeAutomation
			if mentionsCredentials(decision.Reason) {
				code = ErrCodeCredentialInvalid
			}
			return Result{ErrorCode: code, Error: decision.Reason, Stats: stats}
		}

		if !transitioned {
			pair := string(decision.Page) + "|" + string(decision.Action)
			sum := sha256.Sum256(shot)
			if pairs.observe(pair) || hashes.observe(hex.EncodeToString(sum[:])) {
				return Result{
					ErrorCode: ErrCodeStuck,
					Error:     fmt.Sprintf("no progress after %d identical passes on %s", d.cfg.StuckThreshold, decision.Page),
					Stats:     stats,
				}
			}
		}

		var done bool
		var result Result
		if signedIn {
			done, result = d.flowStep(ctx, job, creds, decision, &stats)
		} else {
			done, result = d.signInStep(ctx, job, creds, decision, &stats)
		}
		if done {
			return result
		}
		d.settle(ctx)
	}

	return Result{
		ErrorCode: ErrCodeStuck,
		Error:     fmt.Sprintf("no terminal page after %d iterations", d.cfg.MaxIterations),
		Stats:     stats,
	}
}

// signInStep executes the fixed dispatch table for one sign-in page.
func (d *Driver) signInStep(ctx context.Context, job Job, creds map[string][]byte, decision vision.Decision, stats *Stats) (bool, Result) {
	switch decision.Page {
	case vision.PageUserPass:
		if err := d.fillField(ctx, job, creds, decision, vision.RoleUsername, "email", false, stats); err != nil {
			return true, d.challengeError(err, stats)
		}
		if err := d.fillField(ctx, job, creds, decision, vision.RolePassword, "password", true, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.PageUserOnly:
		if err := d.fillField(ctx, job, creds, decision, vision.RoleUsername, "email", true, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.PagePassOnly:
		if err := d.fillField(ctx, job, creds, decision, vision.RolePassword, "password", true, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.PageButtonOnly:
		el, ok := findElement(decision, vision.RoleSubmit)
		if !ok {
			log.Warn(log.CatDriver, "No submit element located", "jobID", job.JobID)
			return false, Result{}
		}
		if err := d.gui.Click(el.X, el.Y); err != nil {
			return true, Result{ErrorCode: ErrCodeAutomation, Error: err.Error(), Stats: *stats}
		}

	case vision.PageProfileSelect:
		// Always the first profile; the account holder's own.
		el, ok := findElement(decision, vision.RoleProfile)
		if !ok {
			log.Warn(log.CatDriver, "No profile element located", "jobID", job.JobID)
			return false, Result{}
		}
		if err := d.gui.Click(el.X, el.Y); err != nil {
			return true, Result{ErrorCode: ErrCodeAutomation, Error: err.Error(), Stats: *stats}
		}

	case vision.PageEmailCodeSingle, vision.PageEmailCodeMulti,
		vision.PagePhoneCodeSingle, vision.PagePhoneCodeMulti:
		if err := d.enterOTP(ctx, job, decision, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.PageCaptcha:
		return true, Result{ErrorCode: ErrCodeCaptcha, Error: "captcha challenge on sign-in", Stats: *stats}

	case vision.PageEmailLink:
		return true, Result{ErrorCode: ErrCodeEmailLink, Error: "sign-in requires clicking an emailed link", Stats: *stats}

	case vision.PageSpinner:
		// Still loading; settle and look again.

	case vision.PageUnknown:
		// Click through whatever the model proposed (cookie banners,
		// promos); otherwise wait the page out.
		for _, el := range decision.Recovery {
			if err := d.gui.Click(el.X, el.Y); err != nil {
				return true, Result{ErrorCode: ErrCodeAutomation, Error: err.Error(), Stats: *stats}
			}
		}

	default:
		log.Warn(log.CatDriver, "Unexpected page during sign-in", "jobID", job.JobID, "page", string(decision.Page))
	}
	return false, Result{}
}

// flowStep applies one model-proposed action toward the objective.
func (d *Driver) flowStep(ctx context.Context, job Job, creds map[string][]byte, decision vision.Decision, stats *Stats) (bool, Result) {
	// A captcha can appear mid-flow too; it is just as terminal there.
	if decision.Page == vision.PageCaptcha {
		return true, Result{ErrorCode: ErrCodeCaptcha, Error: "captcha challenge", Stats: *stats}
	}

	switch decision.Action {
	case vision.ActionClick:
		if err := d.clickAndMaybeType(ctx, job, creds, decision, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.ActionTypeText:
		if err := d.typeCredential(ctx, job, creds, decision.TextHint, stats); err != nil {
			return true, d.challengeError(err, stats)
		}

	case vision.ActionPressKey:
		if err := d.gui.PressKey(decision.Key); err != nil {
			return true, Result{ErrorCode: ErrCodeAutomation, Error: err.Error(), Stats: *stats}
		}

	case vision.ActionScroll:
		if err := d.gui.Scroll(decision.Y); err != nil {
			return true, Result{ErrorCode: ErrCodeAutomation, Error: err.Error(), Stats: *stats}
		}

	case vision.ActionWait:
		// Settle and look again.

	default:
		log.Warn(log.CatDriver, "Unknown vision action", "jobID", job.JobID, "action", string(decision.Action))
	}

	// Code pages interrupt whatever the model suggested: fetch the code
	// from the user and enter it.
	if isCodePage(decision.Page) {
		if err := d.enterOTP(ctx, job, decision, stats); err != nil {
			return true, d.challengeError(err, stats)
		}
	}
	return false, Result{}
}

// fillField clicks the named element, selects any prefilled text, types the
// credential over it, and optionally submits with Enter. One lock hold for
// the whole sequence so nothing interleaves mid-credential.
func (d *Driver) fillField(ctx context.Context, job Job, creds map[string][]byte, decision vision.Decision, role, credName string, submit bool, stats *Stats) error {
	el, ok := findElement(decision, role)
	if !ok {
		return fmt.Errorf("no %s element on %s page", role, decision.Page)
	}
	value, err := d.resolveCredential(ctx, job, creds, credName, stats)
	if err != nil {
		return err
	}
	return d.gui.WithLock(func(dev gui.InputDevice) error {
		if err := dev.Click(el.X, el.Y); err != nil {
			return err
		}
		if err := dev.PressKey("ctrl+a"); err != nil {
			return err
		}
		if err := dev.TypeText(value); err != nil {
			return err
		}
		if submit {
			return dev.PressKey("enter")
		}
		return nil
	})
}

// clickAndMaybeType clicks the target; when the target names a credential
// field, the matching credential is typed in the same input-lock hold.
func (d *Driver) clickAndMaybeType(ctx context.Context, job Job, creds map[string][]byte, decision vision.Decision, stats *Stats) error {
	name := credentialFieldName(decision.Target)
	if name == "" {
		return d.gui.Click(decision.X, decision.Y)
	}

	value, err := d.resolveCredential(ctx, job, creds, name, stats)
	if err != nil {
		return err
	}
	return d.gui.WithLock(func(dev gui.InputDevice) error {
		if err := dev.Click(decision.X, decision.Y); err != nil {
			return err
		}
		return dev.TypeText(value)
	})
}

// typeCredential resolves a semantic hint to a credential and types it.
func (d *Driver) typeCredential(ctx context.Context, job Job, creds map[string][]byte, hint string, stats *Stats) error {
	name := resolveHint(hint)
	if name == "" {
		return fmt.Errorf("unresolvable text hint %q", hint)
	}
	value, err := d.resolveCredential(ctx, job, creds, name, stats)
	if err != nil {
		return err
	}
	return d.gui.TypeText(value)
}

// resolveCredential returns the named credential, asking the user via the
// orchestrator when it is missing. A supplied value is cached for the rest
// of this run so the same gap never prompts twice.
func (d *Driver) resolveCredential(ctx context.Context, job Job, creds map[string][]byte, name string, stats *Stats) (string, error) {
	if value, ok := creds[name]; ok {
		return string(value), nil
	}

	stats.Challenges++
	log.Info(log.CatDriver, "Requesting missing credential", "jobID", job.JobID, "name", name)
	value, err := d.callbacks.CredentialNeeded(ctx, job.JobID, job.Service, name)
	if err != nil {
		return "", fmt.Errorf("credential %s: %w", name, err)
	}
	creds[name] = []byte(value)
	return value, nil
}

// enterOTP blocks on the user's code, then types it and submits. When the
// model located the code input it is clicked first; multi-box inputs
// advance on their own as digits are typed.
func (d *Driver) enterOTP(ctx context.Context, job Job, decision vision.Decision, stats *Stats) error {
	stats.Challenges++
	log.Info(log.CatDriver, "Requesting one-time code", "jobID", job.JobID)
	code, err := d.callbacks.OTPNeeded(ctx, job.JobID, job.Service)
	if err != nil {
		return fmt.Errorf("one-time code: %w", err)
	}
	return d.gui.WithLock(func(dev gui.InputDevice) error {
		if el, ok := findElement(decision, vision.RoleCode); ok {
			if err := dev.Click(el.X, el.Y); err != nil {
				return err
			}
		}
		if err := dev.TypeText(code); err != nil {
			return err
		}
		return dev.PressKey("enter")
	})
}

// challengeError maps a failed callback wait to the right terminal result.
func (d *Driver) challengeError(err error, stats *Stats) Result {
	code := ErrCodeChallengeTimeout
	if errors.Is(err, context.Canceled) {
		code = ErrCodeAborted
	}
	return Result{ErrorCode: code, Error: err.Error(), Stats: *stats}
}

func (d *Driver) settle(ctx context.Context) {
	if d.cfg.SettleDelay <= 0 {
		return
	}
	timer := time.NewTimer(d.cfg.SettleDelay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-timer.C:
	}
}

// findElement returns the first located element with the given role.
func findElement(decision vision.Decision, role string) (vision.Element, bool) {
	for _, el := range decision.Elements {
		if el.Role == role {
			return el, true
		}
	}
	return vision.Element{}, false
}

func isCodePage(p vision.PageType) bool {
	switch p {
	case vision.PageEmailCodeSingle, vision.PageEmailCodeMulti,
		vision.PagePhoneCodeSingle, vision.PagePhoneCodeMulti:
		return true
	}
	return false
}

// mentionsCredentials guesses whether a failure reason blames the login.
func mentionsCredentials(reason string) bool {
	lower := strings.ToLower(reason)
	for _, marker := range []string{"credential", "password", "login", "sign in", "sign-in", "incorrect"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

// credentialFieldName maps a click-target description to a credential name
// when the target is an input field for one.
func credentialFieldName(target string) string {
	lower := strings.ToLower(target)
	if !strings.Contains(lower, "field") && !strings.Contains(lower, "input") {
		return ""
	}
	return resolveHint(lower)
}

// resolveHint maps a semantic hint to a canonical credential name. The
// model never sees secret values; it only names them.
func resolveHint(hint string) string {
	lower := strings.ToLower(hint)
	switch {
	case strings.Contains(lower, "password"):
		return "password"
	case strings.Contains(lower, "email"), strings.Contains(lower, "username"):
		return "email"
	case strings.Contains(lower, "cvv"), strings.Contains(lower, "cvc"), strings.Contains(lower, "security code"):
		return "cvv"
	case strings.Contains(lower, "card"):
		return "card_number"
	case strings.Contains(lower, "phone"):
		return "phone"
	case strings.Contains(lower, "zip"), strings.Contains(lower, "postal"):
		return "zip"
	default:
		return ""
	}
}

// zeroCredentials overwrites every secret before the map is dropped.
func zeroCredentials(creds map[string][]byte) {
	for name, value := range creds {
		for i := range value {
			value[i] = 0
		}
		delete(creds, name)
	}
}
