package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"strings"
	"sync"
	"time"
)

const (
	defaultBaseURL = "https://www.bayrol-poolaccess.de/webview"

	loginPath     = "/m/login.php"
	loginPostPath = "/m/login.php?r=reg"
	plantsPath    = "/m/plants.php"
	overviewPath  = "/p/plants.php"
	dataPath      = "/getdata.php"
	devicePath    = "/p/device.php"
	jsonPath      = "/data_json.php"

	requestTimeout = 15 * time.Second

	browserUserAgent = "Mozilla/5.0 (X11; Linux x86_64; rv:131.0) Gecko/20100101 Firefox/131.0"

	// The settings endpoint answers 200 regardless; success and access are
	// signalled in the JSON body.
	jsonSuccessMarker   = `"error":""`
	accessGrantedMarker = `"data":{"access":true}`

	// Field name the settings endpoint expects for operating-mode writes.
	operationField = "Betriebsart"
)

// Error taxonomy. Callers classify with errors.Is.
var (
	ErrInvalidAuth    = errors.New("invalid credentials")
	ErrSessionExpired = errors.New("session expired")
	ErrCannotConnect  = errors.New("cannot connect")
	ErrReadOnly       = errors.New("settings access is read-only")
	ErrRejected       = errors.New("setting rejected by controller")
)

// SettingsAccess classifies whether the settings password currently permits
// writes. It only transitions on explicit validation attempts, never during
// a poll, so a bad password is not retried against the endpoint every cycle.
type SettingsAccess int

const (
	SettingsReadOnly SettingsAccess = iota
	SettingsReadWrite
	SettingsAccessError
)

func (s SettingsAccess) String() string {
	switch s {
	case SettingsReadOnly:
		return "read_only"
	case SettingsReadWrite:
		return "read_write"
	case SettingsAccessError:
		return "error"
	default:
		return "unknown"
	}
}

type sessionState int

const (
	sessionLoggedOut sessionState = iota
	sessionActive
)

// PoolClient owns one authenticated session against the Bayrol Pool Access
// web interface. All operations serialize through a mutex: the re-login-on-
// expiry policy assumes at most one outstanding request per session.
type PoolClient struct {
	mu               sync.Mutex
	http             *http.Client
	baseURL          string
	username         string
	password         string
	settingsPassword string
	state            sessionState
	settingsAccess   SettingsAccess
	debugMode        bool
	lastRawPage      string
}

// NewPoolClient builds a client for one credential pair. The settings
// password may be empty, which leaves settings access read-only. An empty
// baseURL selects the production cloud endpoint.
func NewPoolClient(baseURL, username, password, settingsPassword string) *PoolClient {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	jar, _ := cookiejar.New(nil)
	return &PoolClient{
		http: &http.Client{
			Jar:     jar,
			Timeout: requestTimeout,
		},
		baseURL:          strings.TrimSuffix(baseURL, "/"),
		username:         username,
		password:         password,
		settingsPassword: settingsPassword,
		state:            sessionLoggedOut,
		settingsAccess:   SettingsReadOnly,
	}
}

// Login authenticates the primary credential. The endpoint returns 200 for
// failures too, so success is detected from the page content.
func (c *PoolClient) Login(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.login(ctx)
}

func (c *PoolClient) login(ctx context.Context) error {
	// Fresh cookie jar: the server hands out a new session on the login page.
	jar, err := cookiejar.New(nil)
	if err != nil {
		return fmt.Errorf("failed to create cookie jar: %w", err)
	}
	c.http.Jar = jar
	c.state = sessionLoggedOut

	page, err := c.get(ctx, loginPath, "")
	if err != nil {
		return err
	}

	fields := parseLoginForm(page)
	if fields == nil {
		return fmt.Errorf("%w: login form not found", ErrCannotConnect)
	}

	form := url.Values{}
	for name, value := range fields {
		form.Set(name, value)
	}
	form.Set("username", c.username)
	form.Set("password", c.password)

	page, err = c.postForm(ctx, loginPostPath, form)
	if err != nil {
		return err
	}

	if msg, failed := checkLoginError(page); failed {
		return fmt.Errorf("%w: %s", ErrInvalidAuth, msg)
	}
	if hasLoginForm(page) {
		// No error marker, but no authenticated landing page either.
		return fmt.Errorf("%w: landing page not reached", ErrInvalidAuth)
	}

	c.state = sessionActive
	sessionLogins.Inc()
	log.Printf("Logged in to %s as %s", c.baseURL, c.username)
	return nil
}

// ListControllers discovers the controllers visible to the account.
func (c *PoolClient) ListControllers(ctx context.Context) ([]Controller, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	page, err := c.authenticated(ctx, func(ctx context.Context) (string, error) {
		return c.get(ctx, plantsPath, "")
	})
	if err != nil {
		return nil, err
	}
	c.capture(page)
	return parseControllerList(page)
}

// FetchReading retrieves the raw measurement page for one controller.
func (c *PoolClient) FetchReading(ctx context.Context, cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchReading(ctx, cid)
}

func (c *PoolClient) fetchReading(ctx context.Context, cid string) (string, error) {
	if cid == "" {
		return "", fmt.Errorf("controller id must not be empty")
	}
	page, err := c.authenticated(ctx, func(ctx context.Context) (string, error) {
		return c.get(ctx, dataPath+"?cid="+url.QueryEscape(cid), c.baseURL+plantsPath)
	})
	if err != nil {
		return "", err
	}
	c.capture(page)
	return page, nil
}

// CurrentReading fetches and parses the measurements for one controller,
// falling back to the account overview page when the direct endpoint fails
// or yields nothing parseable.
func (c *PoolClient) CurrentReading(ctx context.Context, cid string) (Reading, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	raw, err := c.fetchReading(ctx, cid)
	if err != nil {
		if errors.Is(err, ErrCannotConnect) {
			if fallback, ok := c.overviewReading(ctx, cid); ok {
				return fallback, nil
			}
		}
		return Reading{}, err
	}

	reading := parseReadings(raw)
	if len(reading.Values) == 0 && reading.Online() {
		if fallback, ok := c.overviewReading(ctx, cid); ok {
			return fallback, nil
		}
	}
	return reading, nil
}

func (c *PoolClient) overviewReading(ctx context.Context, cid string) (Reading, bool) {
	page, err := c.authenticated(ctx, func(ctx context.Context) (string, error) {
		return c.get(ctx, overviewPath, "")
	})
	if err != nil {
		log.Printf("Overview fallback failed: %v", err)
		return Reading{}, false
	}
	c.capture(page)

	readings, err := parseOverview(page)
	if err != nil {
		log.Printf("Overview fallback parse failed: %v", err)
		return Reading{}, false
	}
	reading, ok := readings[cid]
	return reading, ok
}

// FetchSettings retrieves the raw device settings page for one controller.
func (c *PoolClient) FetchSettings(ctx context.Context, cid string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.fetchSettings(ctx, cid)
}

func (c *PoolClient) fetchSettings(ctx context.Context, cid string) (string, error) {
	if cid == "" {
		return "", fmt.Errorf("controller id must not be empty")
	}
	page, err := c.authenticated(ctx, func(ctx context.Context) (string, error) {
		return c.get(ctx, devicePath+"?c="+url.QueryEscape(cid), c.baseURL+plantsPath)
	})
	if err != nil {
		return "", err
	}
	c.capture(page)
	return page, nil
}

// CurrentSettings fetches and parses the writable settings of one controller.
func (c *PoolClient) CurrentSettings(ctx context.Context, cid string) (map[string]Setting, error) {
	page, err := c.FetchSettings(ctx, cid)
	if err != nil {
		return nil, err
	}
	return parseSettings(page), nil
}

// ValidateSettingsCredential presents the settings password to the
// controller and caches the resulting access state. An empty password means
// read-only without any request; a rejected password is remembered as an
// error state until the caller explicitly retries.
func (c *PoolClient) ValidateSettingsCredential(ctx context.Context, cid string) (SettingsAccess, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settingsPassword == "" {
		c.settingsAccess = SettingsReadOnly
		return c.settingsAccess, nil
	}

	// Visit the device page first, as a browser would before the JSON calls.
	if _, err := c.fetchSettings(ctx, cid); err != nil {
		return c.settingsAccess, err
	}

	resp, err := c.postSettings(ctx, cid, "setCode", map[string]string{"code": c.settingsPassword})
	if err != nil {
		return c.settingsAccess, err
	}
	if !strings.Contains(resp, jsonSuccessMarker) {
		c.settingsAccess = SettingsAccessError
		log.Printf("Settings password not accepted for controller %s", cid)
		return c.settingsAccess, nil
	}

	resp, err = c.postSettings(ctx, cid, "getAccess", map[string]string{"code": c.settingsPassword})
	if err != nil {
		return c.settingsAccess, err
	}
	if strings.Contains(resp, accessGrantedMarker) {
		c.settingsAccess = SettingsReadWrite
		log.Printf("Settings access granted for controller %s", cid)
	} else {
		c.settingsAccess = SettingsAccessError
		log.Printf("Settings access denied for controller %s", cid)
	}
	return c.settingsAccess, nil
}

// SubmitSetting writes one operating-mode value. The value is the option
// position from the parsed setting; optionCount is the length of its option
// list. Fails immediately with ErrReadOnly when write access has not been
// granted, without touching the network. No readback is guaranteed: callers
// re-fetch to confirm.
func (c *PoolClient) SubmitSetting(ctx context.Context, cid, topic string, value, optionCount int) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.settingsAccess != SettingsReadWrite {
		return ErrReadOnly
	}
	if cid == "" || topic == "" {
		return fmt.Errorf("controller id and topic must not be empty")
	}
	if value < 0 || value >= optionCount {
		return fmt.Errorf("%w: value %d out of range for %d options", ErrRejected, value, optionCount)
	}

	// The endpoint takes a one-hot list over the option positions.
	oneHot := make([]int, optionCount)
	oneHot[value] = 1
	items := []settingItem{{
		Topic: topic,
		Name:  operationField,
		Value: oneHot,
		Valid: 1,
	}}

	resp, err := c.postSettings(ctx, cid, "setItems", map[string][]settingItem{"items": items})
	if err != nil {
		return err
	}
	if !strings.Contains(resp, jsonSuccessMarker) {
		return fmt.Errorf("%w: topic %s", ErrRejected, topic)
	}
	return nil
}

// SettingsAccessState returns the cached settings access classification.
func (c *PoolClient) SettingsAccessState() SettingsAccess {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.settingsAccess
}

// SetDebugMode toggles raw page capture. Disabling it drops the capture.
func (c *PoolClient) SetDebugMode(enabled bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.debugMode = enabled
	if !enabled {
		c.lastRawPage = ""
	}
}

// LastRawPage returns the most recent captured page with controller IDs
// redacted, or "" when debug mode is off.
func (c *PoolClient) LastRawPage() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.debugMode {
		return ""
	}
	return extractRawDebug(c.lastRawPage)
}

func (c *PoolClient) capture(page string) {
	if c.debugMode {
		c.lastRawPage = page
	}
}

// authenticated runs fetch with a valid session, re-logging-in transparently
// at most once when the server answers with the login page. A second
// consecutive expiry within the same call surfaces ErrSessionExpired rather
// than looping.
func (c *PoolClient) authenticated(ctx context.Context, fetch func(context.Context) (string, error)) (string, error) {
	if c.state != sessionActive {
		if err := c.login(ctx); err != nil {
			return "", err
		}
	}

	page, err := fetch(ctx)
	if err != nil {
		return "", err
	}
	if !hasLoginForm(page) {
		return page, nil
	}

	c.state = sessionLoggedOut
	log.Printf("Session expired, re-logging in")
	if err := c.login(ctx); err != nil {
		return "", fmt.Errorf("%w: re-login failed: %v", ErrSessionExpired, err)
	}

	page, err = fetch(ctx)
	if err != nil {
		return "", err
	}
	if hasLoginForm(page) {
		c.state = sessionLoggedOut
		return "", ErrSessionExpired
	}
	return page, nil
}

func (c *PoolClient) postSettings(ctx context.Context, cid, action string, data any) (string, error) {
	payload, err := json.Marshal(map[string]any{
		"device": cid,
		"action": action,
		"data":   data,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode %s request: %w", action, err)
	}
	referer := c.baseURL + devicePath + "?c=" + url.QueryEscape(cid)
	return c.authenticated(ctx, func(ctx context.Context) (string, error) {
		return c.postJSON(ctx, jsonPath, payload, referer)
	})
}

func (c *PoolClient) get(ctx context.Context, path, referer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.applyHeaders(req, referer)
	return c.do(req)
}

func (c *PoolClient) postForm(ctx context.Context, path string, form url.Values) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.applyHeaders(req, c.baseURL+loginPath)
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return c.do(req)
}

func (c *PoolClient) postJSON(ctx context.Context, path string, payload []byte, referer string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("failed to build request for %s: %w", path, err)
	}
	c.applyHeaders(req, referer)
	req.Header.Set("Content-Type", "application/json; charset=utf-8")
	req.Header.Set("Accept", "application/json, text/javascript, */*; q=0.01")
	req.Header.Set("X-Requested-With", "XMLHttpRequest")
	return c.do(req)
}

func (c *PoolClient) applyHeaders(req *http.Request, referer string) {
	req.Header.Set("User-Agent", browserUserAgent)
	req.Header.Set("Accept-Language", "en-US;q=0.7,en;q=0.3")
	if referer != "" {
		req.Header.Set("Referer", referer)
	}
}

func (c *PoolClient) do(req *http.Request) (string, error) {
	resp, err := c.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrCannotConnect, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("%w: failed to read response: %v", ErrCannotConnect, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("%w: unexpected status %d for %s", ErrCannotConnect, resp.StatusCode, req.URL.Path)
	}
	return string(body), nil
}
