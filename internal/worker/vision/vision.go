// Package vision is the worker's client for the vision-language model that
// interprets browser screenshots and proposes the next action.
package vision

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// PageType classifies what the model sees on screen.
type PageType string

// Sign-in phase pages.
const (
	PageUserPass        PageType = "user_pass"
	PageUserOnly        PageType = "user_only"
	PagePassOnly        PageType = "pass_only"
	PageButtonOnly      PageType = "button_only"
	PageProfileSelect   PageType = "profile_select"
	PageEmailCodeSingle PageType = "email_code_single"
	PageEmailCodeMulti  PageType = "email_code_multi"
	PagePhoneCodeSingle PageType = "phone_code_single"
	PagePhoneCodeMulti  PageType = "phone_code_multi"
	PageEmailLink       PageType = "email_link"
	PageCaptcha         PageType = "captcha"
	PageSpinner         PageType = "spinner"
	PageSignedIn        PageType = "signed_in"
	PageUnknown         PageType = "unknown"
)

// Flow phase pages.
const (
	PagePlanSelect PageType = "plan_select"
	PageConfirm    PageType = "confirm"
	PagePayment    PageType = "payment"
	PageError      PageType = "error"
)

// Action names what the driver should do next.
type Action string

const (
	ActionClick    Action = "click"
	ActionTypeText Action = "type_text"
	ActionPressKey Action = "press_key"
	ActionScroll   Action = "scroll"
	ActionWait     Action = "wait"
	ActionDone     Action = "done"
	ActionFail     Action = "fail"
)

// Element roles on sign-in pages.
const (
	RoleUsername = "username"
	RolePassword = "password"
	RoleSubmit   = "submit"
	RoleProfile  = "profile"
	RoleCode     = "code"
)

// Element is one interactive element the model located on screen.
type Element struct {
	Role string `json:"role"`
	X    int    `json:"x"`
	Y    int    `json:"y"`
}

// Decision is one model verdict: what page this is and what to do about it.
// TextHint is always a semantic name ("the password", "the cvv"), never the
// secret value itself.
type Decision struct {
	Page   PageType `json:"page_type"`
	Action Action   `json:"action"`

	// Elements are the interactive elements located on sign-in pages:
	// credential fields, submit buttons, profile tiles, code boxes.
	Elements []Element `json:"elements,omitempty"`
	// Recovery lists click-through actions proposed for unknown pages
	// (cookie banners, promos) in the order to try them.
	Recovery []Element `json:"recovery,omitempty"`

	// Click/scroll coordinates.
	X int `json:"x,omitempty"`
	Y int `json:"y,omitempty"`

	// Target describes what is being clicked ("the password field").
	Target string `json:"target,omitempty"`
	// TextHint names which credential to type for type_text actions.
	TextHint string `json:"text_hint,omitempty"`
	// Key for press_key actions.
	Key string `json:"key,omitempty"`

	// BillingEndDate rides on done decisions after a successful cancel.
	BillingEndDate string `json:"billing_end_date,omitempty"`

	// Reason explains fail decisions.
	Reason string `json:"reason,omitempty"`
}

// Client interprets screenshots.
type Client interface {
	Decide(ctx context.Context, screenshot []byte, objective string) (Decision, error)
}

// HTTPClient calls a vision model service over HTTP.
type HTTPClient struct {
	baseURL string
	http    *http.Client
}

// NewHTTPClient creates a vision client. Model calls are slow; the timeout
// should be generous.
func NewHTTPClient(baseURL string, timeout time.Duration) *HTTPClient {
	return &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
	}
}

// Decide posts the screenshot and objective and returns the model's verdict.
func (c *HTTPClient) Decide(ctx context.Context, screenshot []byte, objective string) (Decision, error) {
	payload, err := json.Marshal(map[string]string{
		"image":     base64.StdEncoding.EncodeToString(screenshot),
		"objective": objective,
	})
	if err != nil {
		return Decision{}, fmt.Errorf("encoding vision request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/decide", bytes.NewReader(payload))
	if err != nil {
		return Decision{}, fmt.Errorf("building vision request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return Decision{}, fmt.Errorf("calling vision model: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return Decision{}, fmt.Errorf("vision model returned %d", resp.StatusCode)
	}

	var decision Decision
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&decision); err != nil {
		return Decision{}, fmt.Errorf("decoding vision decision: %w", err)
	}
	if decision.Page == "" {
		decision.Page = PageUnknown
	}
	return decision, nil
}
