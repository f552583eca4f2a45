package main

import (
	"math"
	"reflect"
	"strings"
	"testing"
)

const poolRelaxPage = `<!DOCTYPE html>
<html><body>
<div class="tab_row">
<div class="tab_box stat_ok"><span>pH&nbsp;[pH]</span><h1>7.17</h1></div>
<div class="tab_box stat_ok"><span>mV&nbsp;[mV]</span><h1>708</h1></div>
<div class="tab_box stat_ok"><span>T&nbsp;[&deg;C]</span><h1>34.4</h1></div>
<div class="tab_info">
<div class="gstat_ok"></div>
<span>24PR3-1234</span><br>
<span>PoolRelax Cl</span><br>
<span>v3.5/220211 PR3</span>
</div>
</div>
</body></html>`

const alarmPage = `<html><body>
<div class="tab_box stat_ok"><span>pH&nbsp;[pH]</span><h1>7.2</h1></div>
<div class="tab_box stat_warning"><span>Redox&nbsp;[mV]</span><h1>650</h1></div>
<div class="tab_box stat_alarm"><span>Temp.&nbsp;[&deg;C]</span><h1>26.5</h1></div>
</body></html>`

const offlinePage = `<html><body>
<div class="tab_error">No connection to the controller since 13.11.24, 07:10 UTC</div>
<div class="tab_info"><span>24PR3-1928</span></div>
</body></html>`

const controllerListPage = `<html><body>
<div class="tab_row">
<div class="tab_1">
<div onclick="window.location.href='p/device.php?c=12345'"></div>
<p>My Pool</p>
</div>
<div class="tab_2" id="tab_data12345">
<div class="tab_info"><span>24PR3-1234</span><br><span>PoolRelax Cl</span></div>
</div>
</div>
<div class="tab_row">
<div class="tab_1">
<div onclick="window.location.href='p/device.php?c=67890'"></div>
</div>
<div class="tab_2" id="tab_data67890">
<div class="tab_info"><span>24ASE2-5678</span><br><span>Automatic SALT</span></div>
</div>
</div>
</body></html>`

const loginFormPage = `<html><body>
<form id="form_login" action="login.php?r=reg" method="post">
<input type="hidden" name="tmp" value="abc123">
<input type="text" name="username" value="">
<input type="password" name="password" value="">
</form>
</body></html>`

const loginFailedPage = `<html><body>
<div class="error_text">Fehler: Benutzername oder Passwort falsch</div>
<form id="form_login"><input type="hidden" name="tmp" value="def456"></form>
</body></html>`

func assertValue(t *testing.T, reading Reading, key string, want float64) {
	t.Helper()
	got, ok := reading.Values[key]
	if !ok {
		t.Fatalf("Expected %s to be present, got values %v", key, reading.Values)
	}
	if math.Abs(got-want) > 1e-9 {
		t.Errorf("%s: expected %v, got %v", key, want, got)
	}
}

func TestParseReadingsPoolRelax(t *testing.T) {
	reading := parseReadings(poolRelaxPage)

	if !reading.Online() {
		t.Fatalf("Expected online status, got %s", reading.Status)
	}
	assertValue(t, reading, "pH", 7.17)
	assertValue(t, reading, "mV", 708)
	assertValue(t, reading, "T", 34.4)

	for key, alarm := range reading.Alarms {
		if alarm {
			t.Errorf("Expected no alarms, got alarm on %s", key)
		}
	}
	if len(reading.Diagnostics) != 0 {
		t.Errorf("Expected no diagnostics, got %v", reading.Diagnostics)
	}

	if reading.DeviceID != "24PR3-1234" {
		t.Errorf("Expected device ID 24PR3-1234, got %q", reading.DeviceID)
	}
	if reading.Model != "PoolRelax Cl" {
		t.Errorf("Expected model PoolRelax Cl, got %q", reading.Model)
	}
	if reading.Firmware != "v3.5/220211 PR3" {
		t.Errorf("Expected firmware v3.5/220211 PR3, got %q", reading.Firmware)
	}
}

func TestParseReadingsAlarms(t *testing.T) {
	reading := parseReadings(alarmPage)

	assertValue(t, reading, "pH", 7.2)
	assertValue(t, reading, "mV", 650)
	assertValue(t, reading, "T", 26.5)

	if reading.Alarms["pH"] {
		t.Error("pH should not be in alarm")
	}
	if !reading.Alarms["mV"] {
		t.Error("mV warning class should raise the alarm flag")
	}
	if !reading.Alarms["T"] {
		t.Error("T alarm class should raise the alarm flag")
	}
}

func TestParseReadingsOffline(t *testing.T) {
	reading := parseReadings(offlinePage)

	if reading.Online() {
		t.Fatal("Expected offline status")
	}
	if reading.LastSeen != "13.11.24, 07:10" {
		t.Errorf("Expected last seen 13.11.24, 07:10, got %q", reading.LastSeen)
	}
	if reading.DeviceID != "24PR3-1928" {
		t.Errorf("Expected device ID 24PR3-1928, got %q", reading.DeviceID)
	}
	if len(reading.Values) != 0 {
		t.Errorf("Offline reading should carry no values, got %v", reading.Values)
	}
}

func TestParseReadingsMissingMarker(t *testing.T) {
	page := `<html><body>
<div class="tab_box"><span>pH&nbsp;[pH]</span><h1>7.2</h1></div>
<div class="tab_box"><span>Redox&nbsp;[mV]</span><h1>650</h1></div>
</body></html>`
	reading := parseReadings(page)

	assertValue(t, reading, "pH", 7.2)
	assertValue(t, reading, "mV", 650)
	if _, ok := reading.Values["T"]; ok {
		t.Error("Temperature should be absent when its marker is missing")
	}
	if len(reading.Diagnostics) != 0 {
		t.Errorf("Missing marker should not produce a diagnostic, got %v", reading.Diagnostics)
	}
}

func TestParseReadingsMalformedValue(t *testing.T) {
	page := `<html><body>
<div class="tab_box"><span>pH&nbsp;[pH]</span><h1>--</h1></div>
<div class="tab_box"><span>Redox&nbsp;[mV]</span><h1>650</h1></div>
</body></html>`
	reading := parseReadings(page)

	if _, ok := reading.Values["pH"]; ok {
		t.Error("Malformed pH should leave the key absent")
	}
	if len(reading.Diagnostics) != 1 {
		t.Fatalf("Expected one diagnostic, got %v", reading.Diagnostics)
	}
	if !strings.Contains(reading.Diagnostics[0], "pH") {
		t.Errorf("Diagnostic should name the measurement, got %q", reading.Diagnostics[0])
	}
	assertValue(t, reading, "mV", 650)
}

func TestParseReadingsCommaDecimal(t *testing.T) {
	page := `<html><body>
<div class="tab_box"><span>pH&nbsp;[pH]</span><h1>7,17</h1></div>
</body></html>`
	reading := parseReadings(page)
	assertValue(t, reading, "pH", 7.17)
}

func TestParseReadingsSaltLabel(t *testing.T) {
	page := `<html><body>
<div class="tab_box"><span>Salz&nbsp;[g/l]</span><h1>3.2</h1></div>
<div class="tab_box"><span>Cl&nbsp;[mg/l]</span><h1>0.65</h1></div>
</body></html>`
	reading := parseReadings(page)
	assertValue(t, reading, "Salt", 3.2)
	assertValue(t, reading, "Cl", 0.65)
}

func TestParseReadingsIdempotent(t *testing.T) {
	first := parseReadings(poolRelaxPage)
	second := parseReadings(poolRelaxPage)
	if !reflect.DeepEqual(first, second) {
		t.Errorf("Parsing the same page twice should be identical:\n%+v\n%+v", first, second)
	}
}

func TestParseReadingsEmptyPage(t *testing.T) {
	reading := parseReadings("<html><body></body></html>")
	if !reading.Online() {
		t.Error("Page without offline banner should report online")
	}
	if len(reading.Values) != 0 {
		t.Errorf("Expected no values, got %v", reading.Values)
	}
}

func TestParseControllerList(t *testing.T) {
	controllers, err := parseControllerList(controllerListPage)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(controllers) != 2 {
		t.Fatalf("Expected 2 controllers, got %d", len(controllers))
	}

	if controllers[0].CID != "12345" || controllers[0].Name != "My Pool" {
		t.Errorf("Expected 12345/My Pool, got %s/%s", controllers[0].CID, controllers[0].Name)
	}
	// Second row has no display name, falls back to the model.
	if controllers[1].CID != "67890" || controllers[1].Name != "Automatic SALT" {
		t.Errorf("Expected 67890/Automatic SALT, got %s/%s", controllers[1].CID, controllers[1].Name)
	}
}

func TestParseControllerListEmpty(t *testing.T) {
	controllers, err := parseControllerList("<html><body></body></html>")
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(controllers) != 0 {
		t.Errorf("Expected no controllers, got %v", controllers)
	}
}

func TestParseOverview(t *testing.T) {
	page := `<html><body>
<div class="tab_row">
<div class="tab_1"><p>My Pool</p></div>
<div class="tab_2" id="tab_data12345">
<div class="tab_box"><span>pH&nbsp;[pH]</span><h1>7.2</h1></div>
<div class="tab_box"><span>Redox&nbsp;[mV]</span><h1>650</h1></div>
<div class="tab_info"><span>24PR3-1234</span><br><span>PoolRelax Cl</span></div>
</div>
</div>
<div class="tab_row">
<div class="tab_1"><p>Spa</p></div>
<div class="tab_2" id="tab_data67890">
<div class="tab_error">No connection to the controller since 13.11.24, 07:10 UTC</div>
<div class="tab_info"><span>24PR3-1928</span></div>
</div>
</div>
</body></html>`

	readings, err := parseOverview(page)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if len(readings) != 2 {
		t.Fatalf("Expected 2 readings, got %d", len(readings))
	}

	online := readings["12345"]
	assertValue(t, online, "pH", 7.2)
	assertValue(t, online, "mV", 650)
	if !online.Online() {
		t.Error("First controller should be online")
	}

	offline := readings["67890"]
	if offline.Online() {
		t.Error("Second controller should be offline")
	}
	if offline.LastSeen != "13.11.24, 07:10" {
		t.Errorf("Expected last seen 13.11.24, 07:10, got %q", offline.LastSeen)
	}
}

func TestParseLoginForm(t *testing.T) {
	fields := parseLoginForm(loginFormPage)
	if fields == nil {
		t.Fatal("Expected form fields, got nil")
	}
	if fields["tmp"] != "abc123" {
		t.Errorf("Expected hidden field tmp=abc123, got %q", fields["tmp"])
	}
	if _, ok := fields["username"]; !ok {
		t.Error("Expected username field to be present")
	}
}

func TestParseLoginFormAbsent(t *testing.T) {
	if fields := parseLoginForm("<html><body><p>welcome</p></body></html>"); fields != nil {
		t.Errorf("Expected nil for a page without the login form, got %v", fields)
	}
}

func TestHasLoginForm(t *testing.T) {
	tests := []struct {
		name     string
		page     string
		expected bool
	}{
		{"login form", loginFormPage, true},
		{"session lapsed text", "<html><body>Zeit abgelaufen</body></html>", true},
		{"data page", poolRelaxPage, false},
	}

	for _, test := range tests {
		if got := hasLoginForm(test.page); got != test.expected {
			t.Errorf("%s: expected %v, got %v", test.name, test.expected, got)
		}
	}
}

func TestCheckLoginError(t *testing.T) {
	msg, failed := checkLoginError(loginFailedPage)
	if !failed {
		t.Fatal("Expected login error to be detected")
	}
	if !strings.Contains(msg, "Benutzername oder Passwort falsch") {
		t.Errorf("Expected the page's error text, got %q", msg)
	}

	if _, failed := checkLoginError(poolRelaxPage); failed {
		t.Error("Data page should not be reported as a login error")
	}
}

func TestExtractRawDebugRedactsCID(t *testing.T) {
	page := `<a href="p/device.php?c=12345">x</a><div onclick="go('getdata.php?c=12345')"></div>`
	redacted := extractRawDebug(page)
	if strings.Contains(redacted, "12345") {
		t.Errorf("Controller ID should be redacted, got %q", redacted)
	}
	if !strings.Contains(redacted, "device.php?c=XXXXX") {
		t.Errorf("Expected redaction placeholder, got %q", redacted)
	}
}

func TestCanonicalLabel(t *testing.T) {
	tests := []struct {
		label    string
		expected string
	}{
		{"pH [pH]", "pH"},
		{"Redox [mV]", "mV"},
		{"mV [mV]", "mV"},
		{"T [°C]", "T"},
		{"T1 [°C]", "T"},
		{"Temp. [°C]", "T"},
		{"Cl [mg/l]", "Cl"},
		{"Salz [g/l]", "Salt"},
		{"Unknown [x]", ""},
	}

	for _, test := range tests {
		if got := canonicalLabel(test.label); got != test.expected {
			t.Errorf("canonicalLabel(%q): expected %q, got %q", test.label, test.expected, got)
		}
	}
}

func TestParseLocalizedFloat(t *testing.T) {
	tests := []struct {
		input   string
		want    float64
		wantErr bool
	}{
		{"7.17", 7.17, false},
		{"7,17", 7.17, false},
		{"708", 708, false},
		{"", 0, true},
		{"--", 0, true},
		{"n/a", 0, true},
	}

	for _, test := range tests {
		got, err := parseLocalizedFloat(test.input)
		if test.wantErr {
			if err == nil {
				t.Errorf("parseLocalizedFloat(%q): expected error, got %v", test.input, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("parseLocalizedFloat(%q): unexpected error %v", test.input, err)
			continue
		}
		if math.Abs(got-test.want) > 1e-9 {
			t.Errorf("parseLocalizedFloat(%q): expected %v, got %v", test.input, test.want, got)
		}
	}
}
