package main

import (
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

var itemClassPattern = regexp.MustCompile(`^item(\d+)_(\d+)$`)

// SettingOption is one selectable operating mode of a controller device.
type SettingOption struct {
	Value int
	Text  string
}

// Setting describes one writable controller setting scraped from the device
// page: a named device (filter pump, electrolyzer, …) with its operating-mode
// options and the topic the settings endpoint addresses it by.
type Setting struct {
	ID            string
	Name          string
	Topic         string
	Options       []SettingOption
	SelectedValue int
	SelectedText  string
}

// settingItem is the JSON payload element the settings endpoint accepts.
// Value is a one-hot list over the option positions.
type settingItem struct {
	Topic string `json:"topic"`
	Name  string `json:"name"`
	Value []int  `json:"value"`
	Valid int    `json:"valid"`
	Cmd   int    `json:"cmd"`
}

// parseSettings extracts writable settings from the device page HTML. Device
// blocks carry the i_x16 class; the following item block holds the select
// with the operating modes and the item{N}_{M} class naming the topic "N.M".
func parseSettings(raw string) map[string]Setting {
	settings := make(map[string]Setting)

	doc, err := html.Parse(strings.NewReader(raw))
	if err != nil {
		return settings
	}

	items := findAll(doc, byClass("i_item"))

	// First pass: locate device name blocks by index.
	type deviceBlock struct {
		id   string
		name string
	}
	devices := make(map[int]deviceBlock)
	for i, item := range items {
		if nameDiv := findFirst(item, byClass("i_x16")); nameDiv != nil {
			name := strings.TrimSpace(nodeText(nameDiv))
			if name == "" {
				continue
			}
			devices[i] = deviceBlock{id: settingID(name), name: name}
		}
	}

	// Second pass: attach each mode select to the nearest preceding device.
	for i, item := range items {
		if _, isDevice := devices[i]; isDevice {
			continue
		}
		sel := findFirst(item, byClass("i_x7"))
		if sel == nil || sel.Data != "select" {
			continue
		}

		topic := itemTopic(item)
		if topic == "" {
			continue
		}

		var device deviceBlock
		found := false
		for j := i - 1; j >= 0; j-- {
			if d, ok := devices[j]; ok {
				device = d
				found = true
				break
			}
		}
		if !found {
			continue
		}

		options, selectedValue, selectedText := parseSelectOptions(sel)
		settings[device.id] = Setting{
			ID:            device.id,
			Name:          device.name,
			Topic:         topic,
			Options:       options,
			SelectedValue: selectedValue,
			SelectedText:  selectedText,
		}
	}

	return settings
}

// parseSelectOptions reads the option list of a mode select. Returns the
// options sorted by value and the currently selected value/text, with
// selected value -1 when nothing is marked selected.
func parseSelectOptions(sel *html.Node) ([]SettingOption, int, string) {
	var options []SettingOption
	selectedValue := -1
	selectedText := ""

	for _, opt := range findAll(sel, byTag("option")) {
		value, err := strconv.Atoi(attrValue(opt, "value"))
		if err != nil {
			continue
		}
		text := strings.TrimSpace(nodeText(opt))
		options = append(options, SettingOption{Value: value, Text: text})

		if hasAttr(opt, "selected") {
			selectedValue = value
			selectedText = text
		}
	}

	sort.Slice(options, func(i, j int) bool { return options[i].Value < options[j].Value })
	return options, selectedValue, selectedText
}

// itemTopic maps an item{N}_{M} class to the "N.M" topic the settings
// endpoint expects.
func itemTopic(item *html.Node) string {
	for _, class := range strings.Fields(attrValue(item, "class")) {
		if m := itemClassPattern.FindStringSubmatch(class); m != nil {
			return fmt.Sprintf("%s.%s", m[1], m[2])
		}
	}
	return ""
}

// settingID derives the stable identifier entities are keyed by from the
// display name, e.g. "Filterpumpe (Eco)" -> "filterpumpe_eco".
func settingID(name string) string {
	id := strings.ToLower(name)
	id = strings.ReplaceAll(id, " ", "_")
	id = strings.ReplaceAll(id, "(", "")
	id = strings.ReplaceAll(id, ")", "")
	return id
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Key == key {
			return true
		}
	}
	return false
}
