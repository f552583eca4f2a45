package main

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Prometheus metrics.
var (
	phValue = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_ph_value",
			Help: "Current water pH value",
		},
		[]string{"controller", "name"},
	)

	redoxPotential = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_redox_millivolts",
			Help: "Current Redox (ORP) potential in millivolts",
		},
		[]string{"controller", "name"},
	)

	waterTemperature = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_water_temperature_celsius",
			Help: "Current water temperature in Celsius",
		},
		[]string{"controller", "name"},
	)

	freeChlorine = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_chlorine_milligrams_per_liter",
			Help: "Current free chlorine concentration in mg/l",
		},
		[]string{"controller", "name"},
	)

	saltContent = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_salt_grams_per_liter",
			Help: "Current salt content in g/l",
		},
		[]string{"controller", "name"},
	)

	measurementAlarm = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_measurement_alarm",
			Help: "1 if the controller flags the measurement as warning/alarm, 0 otherwise",
		},
		[]string{"controller", "name", "measurement"},
	)

	controllerOnline = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "pool_controller_online",
			Help: "1 if the cloud service reports the controller as connected, 0 if offline",
		},
		[]string{"controller", "name"},
	)

	connectionFailure = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolaccess_connection_failure",
			Help: "1 if there was a connection failure in the last refresh, 0 if successful",
		},
	)

	lastRefreshTimestamp = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "poolaccess_last_refresh_timestamp_seconds",
			Help: "Unix timestamp of the last successful data refresh",
		},
	)

	sessionLogins = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "poolaccess_session_logins_total",
			Help: "Number of successful logins, including transparent re-logins after session expiry",
		},
	)

	settingsAccessState = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "poolaccess_settings_access_state",
			Help: "Settings access state (0=read_only, 1=read_write, 2=error)",
		},
		[]string{"controller"},
	)
)

// measurementGauges maps parsed measurement keys to their gauges.
var measurementGauges = map[string]*prometheus.GaugeVec{
	"pH":   phValue,
	"mV":   redoxPotential,
	"T":    waterTemperature,
	"Cl":   freeChlorine,
	"Salt": saltContent,
}

func createPrometheusRegistry() *prometheus.Registry {
	registry := prometheus.NewRegistry()
	registry.MustRegister(phValue)
	registry.MustRegister(redoxPotential)
	registry.MustRegister(waterTemperature)
	registry.MustRegister(freeChlorine)
	registry.MustRegister(saltContent)
	registry.MustRegister(measurementAlarm)
	registry.MustRegister(controllerOnline)
	registry.MustRegister(connectionFailure)
	registry.MustRegister(lastRefreshTimestamp)
	registry.MustRegister(sessionLogins)
	registry.MustRegister(settingsAccessState)
	return registry
}

// updateMetrics publishes one reading to the gauges. Absent keys delete the
// corresponding series rather than reporting a stale or zero value.
func updateMetrics(ctrl Controller, reading Reading) {
	online := 0.0
	if reading.Online() {
		online = 1.0
	}
	controllerOnline.WithLabelValues(ctrl.CID, ctrl.Name).Set(online)

	for key, gauge := range measurementGauges {
		value, ok := reading.Values[key]
		if !ok {
			gauge.DeleteLabelValues(ctrl.CID, ctrl.Name)
			measurementAlarm.DeleteLabelValues(ctrl.CID, ctrl.Name, key)
			continue
		}
		gauge.WithLabelValues(ctrl.CID, ctrl.Name).Set(value)

		alarm := 0.0
		if reading.Alarms[key] {
			alarm = 1.0
		}
		measurementAlarm.WithLabelValues(ctrl.CID, ctrl.Name, key).Set(alarm)
	}
}
