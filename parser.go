package main

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// Marker strings the web interface uses. The pages are server-rendered PHP
// with stable CSS classes; everything here keys off those classes so a layout
// change breaks loudly in one place.
const (
	loginErrorMarker   = "Fehler"
	sessionLapsedText  = "Zeit abgelaufen"
	offlineBannerText  = "No connection to the controller"
	statusOnline       = "online"
	statusOffline      = "offline"
	defaultDeviceLabel = "Pool Controller"
)

// measurementLabels maps the raw labels printed on the page (before the unit
// bracket) to canonical measurement keys. Different controller models label
// the same value differently, e.g. "Redox" vs "mV" and "T" vs "Temp.".
var measurementLabels = map[string]string{
	"pH":    "pH",
	"Redox": "mV",
	"mV":    "mV",
	"Temp.": "T",
	"T":     "T",
	"T1":    "T",
	"Cl":    "Cl",
	"Salz":  "Salt",
}

var (
	cidFromTabID   = regexp.MustCompile(`tab_data(\d+)`)
	cidFromOnclick = regexp.MustCompile(`c=(\d+)`)
	lastSeenStamp  = regexp.MustCompile(`since (\d{2}\.\d{2}\.\d{2}, \d{2}:\d{2}) UTC`)
	cidInRawPage   = regexp.MustCompile(`(?:device\.php\?c=|c=)(\d+)`)
)

// Controller identifies one pool controller on the account.
type Controller struct {
	CID  string
	Name string
}

// Reading is one parsed snapshot of a controller's measurements. Missing
// markers leave the key absent from Values; malformed values additionally
// record a diagnostic so one bad field never voids the rest of the reading.
type Reading struct {
	Values      map[string]float64
	Alarms      map[string]bool
	Diagnostics []string
	Status      string
	DeviceID    string
	Model       string
	Firmware    string
	LastSeen    string
}

func newReading() Reading {
	return Reading{
		Values: make(map[string]float64),
		Alarms: make(map[string]bool),
		Status: statusOnline,
	}
}

// Online reports whether the controller was reachable by the cloud service
// when the page was rendered.
func (r Reading) Online() bool {
	return r.Status == statusOnline
}

// parseReadings extracts measurement values from a getdata response page.
// A missing marker yields an absent key, not an error; a located but
// malformed value yields an absent key plus a diagnostic entry.
func parseReadings(raw string) Reading {
	reading := newReading()

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		reading.Diagnostics = append(reading.Diagnostics, fmt.Sprintf("unparseable page: %v", err))
		return reading
	}

	if offline := findOfflineBanner(doc); offline != nil {
		reading.Status = statusOffline
		reading.DeviceID = firstSpanText(findFirst(doc, byClass("tab_info")))
		if m := lastSeenStamp.FindStringSubmatch(nodeText(offline)); m != nil {
			reading.LastSeen = m[1]
		}
		return reading
	}

	parseMeasurementBoxes(doc, &reading)
	fillDeviceInfo(findFirst(doc, byClass("tab_info")), &reading)
	return reading
}

// parseControllerList extracts discovered controllers from the landing page.
// An account without controllers yields an empty slice, not an error.
func parseControllerList(raw string) ([]Controller, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse controller list page: %w", err)
	}

	var controllers []Controller
	for _, row := range findAll(doc, byClass("tab_row")) {
		tab1 := findFirst(row, byClass("tab_1"))
		tab2 := findFirst(row, byClass("tab_2"))
		if tab1 == nil || tab2 == nil {
			continue
		}

		cid := controllerID(tab1, tab2)
		if cid == "" {
			continue
		}

		name := defaultDeviceLabel
		if p := findFirst(tab1, byTag("p")); p != nil {
			if text := strings.TrimSpace(nodeText(p)); text != "" {
				name = text
			}
		}
		if name == defaultDeviceLabel {
			if info := findFirst(tab2, byClass("tab_info")); info != nil {
				spans := findAll(info, byTag("span"))
				if len(spans) >= 2 {
					if text := strings.TrimSpace(nodeText(spans[1])); text != "" {
						name = text
					}
				}
			}
		}

		controllers = append(controllers, Controller{CID: cid, Name: name})
	}

	return controllers, nil
}

// parseOverview extracts readings for every controller from the account
// overview page, used as a fallback when the direct data endpoint fails.
func parseOverview(raw string) (map[string]Reading, error) {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("failed to parse overview page: %w", err)
	}

	results := make(map[string]Reading)
	for _, row := range findAll(doc, byClass("tab_row")) {
		tab1 := findFirst(row, byClass("tab_1"))
		tab2 := findFirst(row, byClass("tab_2"))
		if tab1 == nil || tab2 == nil {
			continue
		}

		cid := controllerID(tab1, tab2)
		if cid == "" {
			continue
		}

		reading := newReading()
		if banner := findOfflineBanner(tab2); banner != nil {
			reading.Status = statusOffline
			reading.DeviceID = firstSpanText(findFirst(tab2, byClass("tab_info")))
			if m := lastSeenStamp.FindStringSubmatch(nodeText(banner)); m != nil {
				reading.LastSeen = m[1]
			}
			results[cid] = reading
			continue
		}

		parseMeasurementBoxes(tab2, &reading)
		fillDeviceInfo(findFirst(tab2, byClass("tab_info")), &reading)
		results[cid] = reading
	}

	return results, nil
}

// parseLoginForm extracts the hidden form fields the login POST must echo
// back. Returns nil when the page does not contain the login form.
func parseLoginForm(raw string) map[string]string {
	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return nil
	}

	form := findFirst(doc, func(n *html.Node) bool {
		return n.Data == "form" && attrValue(n, "id") == "form_login"
	})
	if form == nil {
		return nil
	}

	fields := make(map[string]string)
	for _, input := range findAll(form, byTag("input")) {
		if name := attrValue(input, "name"); name != "" {
			fields[name] = attrValue(input, "value")
		}
	}
	return fields
}

// hasLoginForm reports whether the page renders the login form. Authenticated
// endpoints answer with the login page when the session has lapsed, so this
// doubles as the session-expiry marker.
func hasLoginForm(raw string) bool {
	return strings.Contains(raw, `id="form_login"`) || strings.Contains(raw, sessionLapsedText)
}

// checkLoginError inspects a login response for the failure markers the site
// renders with HTTP 200. Returns the human readable error text when present.
func checkLoginError(raw string) (string, bool) {
	if !strings.Contains(raw, loginErrorMarker) && !strings.Contains(raw, sessionLapsedText) {
		return "", false
	}

	doc, err := html.Parse(strings.NewReader(raw))
	if err == nil {
		if errDiv := findFirst(doc, byClass("error_text")); errDiv != nil {
			return strings.TrimSpace(nodeText(errDiv)), true
		}
	}
	return "login rejected", true
}

// extractRawDebug returns the page for diagnostic capture with controller
// IDs redacted so captures are safe to share.
func extractRawDebug(raw string) string {
	return cidInRawPage.ReplaceAllString(raw, "device.php?c=XXXXX")
}

// parseMeasurementBoxes walks tab_box divs (span label + h1 value) under root
// and fills the reading's values, alarms and diagnostics.
func parseMeasurementBoxes(root *html.Node, reading *Reading) {
	for _, box := range findAll(root, byClass("tab_box")) {
		span := findFirst(box, byTag("span"))
		h1 := findFirst(box, byTag("h1"))
		if span == nil || h1 == nil {
			continue
		}

		key := canonicalLabel(nodeText(span))
		if key == "" {
			continue
		}

		value, err := parseLocalizedFloat(strings.TrimSpace(nodeText(h1)))
		if err != nil {
			reading.Diagnostics = append(reading.Diagnostics,
				fmt.Sprintf("%s: %v", key, err))
			continue
		}

		classes := attrValue(box, "class")
		reading.Values[key] = value
		reading.Alarms[key] = strings.Contains(classes, "stat_warning") || strings.Contains(classes, "stat_alarm")
	}
}

// canonicalLabel maps a raw box label like "Redox [mV]" to its measurement
// key, or "" for labels not in the map.
func canonicalLabel(label string) string {
	if idx := strings.IndexByte(label, '['); idx >= 0 {
		label = label[:idx]
	}
	label = strings.ReplaceAll(label, "\u00a0", " ")
	return measurementLabels[strings.TrimSpace(label)]
}

// parseLocalizedFloat accepts both dot and comma decimal separators; the
// site localizes numbers for German accounts.
func parseLocalizedFloat(value string) (float64, error) {
	if value == "" {
		return 0, fmt.Errorf("empty value")
	}
	normalized := strings.ReplaceAll(value, ",", ".")
	parsed, err := strconv.ParseFloat(normalized, 64)
	if err != nil {
		return 0, fmt.Errorf("malformed value %q", value)
	}
	return parsed, nil
}

// controllerID resolves a controller ID from either the tab_2 id attribute
// (tab_data{cid}) or an onclick handler in tab_1 (…c={cid}).
func controllerID(tab1, tab2 *html.Node) string {
	if m := cidFromTabID.FindStringSubmatch(attrValue(tab2, "id")); m != nil {
		return m[1]
	}
	for _, div := range findAll(tab1, byTag("div")) {
		if m := cidFromOnclick.FindStringSubmatch(attrValue(div, "onclick")); m != nil {
			return m[1]
		}
	}
	return ""
}

func findOfflineBanner(root *html.Node) *html.Node {
	banner := findFirst(root, byClass("tab_error"))
	if banner == nil || !strings.Contains(nodeText(banner), offlineBannerText) {
		return nil
	}
	return banner
}

// fillDeviceInfo reads the tab_info span triple: serial, model, firmware.
func fillDeviceInfo(info *html.Node, reading *Reading) {
	if info == nil {
		return
	}
	spans := findAll(info, byTag("span"))
	if len(spans) >= 1 {
		reading.DeviceID = strings.TrimSpace(nodeText(spans[0]))
	}
	if len(spans) >= 2 {
		reading.Model = strings.TrimSpace(nodeText(spans[1]))
	}
	if len(spans) >= 3 {
		reading.Firmware = strings.TrimSpace(nodeText(spans[2]))
	}
}

func firstSpanText(info *html.Node) string {
	if info == nil {
		return ""
	}
	if span := findFirst(info, byTag("span")); span != nil {
		return strings.TrimSpace(nodeText(span))
	}
	return ""
}

// DOM helpers over x/net/html.

func byTag(tag string) func(*html.Node) bool {
	return func(n *html.Node) bool { return n.Data == tag }
}

func byClass(class string) func(*html.Node) bool {
	return func(n *html.Node) bool {
		for _, field := range strings.Fields(attrValue(n, "class")) {
			if field == class {
				return true
			}
		}
		return false
	}
}

func attrValue(n *html.Node, key string) string {
	if n == nil {
		return ""
	}
	for _, a := range n.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func findFirst(root *html.Node, match func(*html.Node) bool) *html.Node {
	if root == nil {
		return nil
	}
	if root.Type == html.ElementNode && match(root) {
		return root
	}
	for child := root.FirstChild; child != nil; child = child.NextSibling {
		if found := findFirst(child, match); found != nil {
			return found
		}
	}
	return nil
}

func findAll(root *html.Node, match func(*html.Node) bool) []*html.Node {
	var nodes []*html.Node
	if root == nil {
		return nodes
	}
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.ElementNode && match(n) {
			nodes = append(nodes, n)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(root)
	return nodes
}

func nodeText(n *html.Node) string {
	var sb strings.Builder
	var walk func(*html.Node)
	walk = func(n *html.Node) {
		if n.Type == html.TextNode {
			sb.WriteString(n.Data)
		}
		for child := n.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}
	walk(n)
	return sb.String()
}
