package main

import (
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

const (
	mqttConnectTimeout     = 10 * time.Second
	mqttDisconnectLingerMS = 250
	defaultMQTTPrefix      = "bayrolmeter"

	payloadAvailable    = "online"
	payloadNotAvailable = "offline"
)

// sensorMeta describes how one measurement maps onto a Home Assistant sensor.
type sensorMeta struct {
	Name        string
	Unit        string
	DeviceClass string
}

var sensorMetadata = map[string]sensorMeta{
	"pH":   {Name: "pH", Unit: "pH", DeviceClass: "ph"},
	"mV":   {Name: "Redox", Unit: "mV", DeviceClass: "voltage"},
	"T":    {Name: "Temperature", Unit: "°C", DeviceClass: "temperature"},
	"Cl":   {Name: "Chlorine", Unit: "mg/l", DeviceClass: ""},
	"Salt": {Name: "Salt", Unit: "g/l", DeviceClass: ""},
}

// HABridge publishes readings to an MQTT broker using Home Assistant's
// discovery convention, so controllers show up as devices with one sensor
// entity per measurement. Optional: only constructed when a broker is
// configured.
type HABridge struct {
	client     mqtt.Client
	prefix     string
	discovered map[string]bool
}

// NewHABridge connects to the broker and returns a ready bridge.
func NewHABridge(broker, clientID, username, password, prefix string) (*HABridge, error) {
	if broker == "" {
		return nil, fmt.Errorf("MQTT broker address is required")
	}
	if clientID == "" {
		clientID = fmt.Sprintf("bayrolmeter-%d", time.Now().Unix())
	}
	if prefix == "" {
		prefix = defaultMQTTPrefix
	}

	opts := mqtt.NewClientOptions()
	opts.AddBroker(broker)
	opts.SetClientID(clientID)
	if username != "" {
		opts.SetUsername(username)
	}
	if password != "" {
		opts.SetPassword(password)
	}
	opts.SetAutoReconnect(true)
	opts.SetMaxReconnectInterval(10 * time.Second)
	opts.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		log.Printf("MQTT connection lost: %v", err)
	})
	opts.SetOnConnectHandler(func(_ mqtt.Client) {
		log.Printf("MQTT connected to %s", broker)
	})

	bridge := &HABridge{
		client:     mqtt.NewClient(opts),
		prefix:     prefix,
		discovered: make(map[string]bool),
	}

	token := bridge.client.Connect()
	if !token.WaitTimeout(mqttConnectTimeout) {
		return nil, fmt.Errorf("timed out connecting to MQTT broker %s", broker)
	}
	if token.Error() != nil {
		return nil, fmt.Errorf("failed to connect to MQTT broker: %w", token.Error())
	}
	return bridge, nil
}

// Close marks the controller sensors unavailable and disconnects.
func (b *HABridge) Close(controllers []Controller) {
	for _, ctrl := range controllers {
		b.publish(b.availabilityTopic(ctrl.CID), payloadNotAvailable, true)
	}
	b.client.Disconnect(mqttDisconnectLingerMS)
}

// PublishReading publishes one reading's state values, announcing the
// discovery configs on first sight of each measurement.
func (b *HABridge) PublishReading(ctrl Controller, reading Reading) {
	if !reading.Online() {
		b.publish(b.availabilityTopic(ctrl.CID), payloadNotAvailable, true)
		return
	}
	b.publish(b.availabilityTopic(ctrl.CID), payloadAvailable, true)

	for key, value := range reading.Values {
		if _, known := sensorMetadata[key]; !known {
			continue
		}
		b.ensureDiscovered(ctrl, reading, key)
		b.publish(b.stateTopic(ctrl.CID, key), strconv.FormatFloat(value, 'f', -1, 64), false)
	}
}

// PublishUnavailable marks a controller's sensors unavailable, used when a
// refresh fails entirely.
func (b *HABridge) PublishUnavailable(ctrl Controller) {
	b.publish(b.availabilityTopic(ctrl.CID), payloadNotAvailable, true)
}

func (b *HABridge) ensureDiscovered(ctrl Controller, reading Reading, key string) {
	cacheKey := ctrl.CID + "/" + key
	if b.discovered[cacheKey] {
		return
	}

	config := b.discoveryConfig(ctrl, reading, key)
	if config == nil {
		return
	}
	topic := fmt.Sprintf("homeassistant/sensor/bayrolmeter/%s_%s/config", ctrl.CID, key)
	b.publish(topic, config, true)
	b.discovered[cacheKey] = true
}

// discoveryConfig builds the Home Assistant discovery payload for one
// measurement sensor.
func (b *HABridge) discoveryConfig(ctrl Controller, reading Reading, key string) []byte {
	meta := sensorMetadata[key]

	config := map[string]any{
		"name":                  meta.Name,
		"unique_id":             fmt.Sprintf("bayrolmeter_%s_%s", ctrl.CID, key),
		"state_topic":           b.stateTopic(ctrl.CID, key),
		"availability_topic":    b.availabilityTopic(ctrl.CID),
		"payload_available":     payloadAvailable,
		"payload_not_available": payloadNotAvailable,
		"state_class":           "measurement",
		"device": map[string]any{
			"identifiers":  []string{"bayrolmeter_" + ctrl.CID},
			"name":         fmt.Sprintf("%s (%s)", ctrl.Name, ctrl.CID),
			"model":        reading.Model,
			"manufacturer": "Bayrol",
		},
	}
	if meta.Unit != "" {
		config["unit_of_measurement"] = meta.Unit
	}
	if meta.DeviceClass != "" {
		config["device_class"] = meta.DeviceClass
	}

	payload, err := json.Marshal(config)
	if err != nil {
		log.Printf("Failed to marshal discovery config for %s/%s: %v", ctrl.CID, key, err)
		return nil
	}
	return payload
}

func (b *HABridge) stateTopic(cid, key string) string {
	return fmt.Sprintf("%s/%s/%s", b.prefix, cid, key)
}

func (b *HABridge) availabilityTopic(cid string) string {
	return fmt.Sprintf("%s/%s/availability", b.prefix, cid)
}

func (b *HABridge) publish(topic string, payload any, retained bool) {
	token := b.client.Publish(topic, 1, retained, payload)
	if token.Wait() && token.Error() != nil {
		log.Printf("Failed to publish to %s: %v", topic, token.Error())
	}
}
