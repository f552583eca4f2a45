package main

import (
	"encoding/json"
	"testing"
)

// Discovery payload generation is tested without a broker; publishing paths
// need a live one and are covered by the probe utility.

func newTestBridge() *HABridge {
	return &HABridge{
		prefix:     defaultMQTTPrefix,
		discovered: make(map[string]bool),
	}
}

func TestDiscoveryConfig(t *testing.T) {
	bridge := newTestBridge()
	ctrl := Controller{CID: "12345", Name: "My Pool"}
	reading := newReading()
	reading.Model = "PoolRelax Cl"

	payload := bridge.discoveryConfig(ctrl, reading, "T")
	if payload == nil {
		t.Fatal("Expected a discovery payload")
	}

	var config map[string]any
	if err := json.Unmarshal(payload, &config); err != nil {
		t.Fatalf("Payload is not valid JSON: %v", err)
	}

	if config["unique_id"] != "bayrolmeter_12345_T" {
		t.Errorf("Unexpected unique_id %v", config["unique_id"])
	}
	if config["state_topic"] != "bayrolmeter/12345/T" {
		t.Errorf("Unexpected state_topic %v", config["state_topic"])
	}
	if config["availability_topic"] != "bayrolmeter/12345/availability" {
		t.Errorf("Unexpected availability_topic %v", config["availability_topic"])
	}
	if config["device_class"] != "temperature" {
		t.Errorf("Expected device_class temperature, got %v", config["device_class"])
	}
	if config["unit_of_measurement"] != "°C" {
		t.Errorf("Expected unit °C, got %v", config["unit_of_measurement"])
	}
	if config["state_class"] != "measurement" {
		t.Errorf("Expected state_class measurement, got %v", config["state_class"])
	}

	device, ok := config["device"].(map[string]any)
	if !ok {
		t.Fatalf("Expected a device block, got %v", config["device"])
	}
	if device["manufacturer"] != "Bayrol" {
		t.Errorf("Expected manufacturer Bayrol, got %v", device["manufacturer"])
	}
	if device["model"] != "PoolRelax Cl" {
		t.Errorf("Expected model PoolRelax Cl, got %v", device["model"])
	}
}

func TestDiscoveryConfigChlorineHasNoDeviceClass(t *testing.T) {
	bridge := newTestBridge()
	payload := bridge.discoveryConfig(Controller{CID: "1"}, newReading(), "Cl")
	if payload == nil {
		t.Fatal("Expected a discovery payload")
	}

	var config map[string]any
	if err := json.Unmarshal(payload, &config); err != nil {
		t.Fatalf("Payload is not valid JSON: %v", err)
	}
	if _, present := config["device_class"]; present {
		t.Error("Chlorine has no Home Assistant device class, field should be omitted")
	}
	if config["unit_of_measurement"] != "mg/l" {
		t.Errorf("Expected unit mg/l, got %v", config["unit_of_measurement"])
	}
}

func TestTopicLayout(t *testing.T) {
	bridge := newTestBridge()

	if got := bridge.stateTopic("12345", "pH"); got != "bayrolmeter/12345/pH" {
		t.Errorf("Unexpected state topic %q", got)
	}
	if got := bridge.availabilityTopic("12345"); got != "bayrolmeter/12345/availability" {
		t.Errorf("Unexpected availability topic %q", got)
	}
}

func TestSensorMetadataCoversMeasurements(t *testing.T) {
	for key := range measurementGauges {
		if _, ok := sensorMetadata[key]; !ok {
			t.Errorf("Measurement %s has no sensor metadata", key)
		}
	}
}
