//go:build ignore

package main

import (
	"context"
	"flag"
	"log"
	"os"
	"time"
)

// Manual probe against the live Pool Access service. Logs in with real
// credentials, lists the account's controllers, and dumps a parsed reading
// for each one. Run with:
//
//	go run probe.go client.go parser.go settings.go metrics.go
//
// Credentials come from flags or the BAYROLMETER_* environment variables.

func main() {
	username := flag.String("username", os.Getenv("BAYROLMETER_USERNAME"), "Pool Access account email")
	password := flag.String("password", os.Getenv("BAYROLMETER_PASSWORD"), "Pool Access account password")
	settingsPassword := flag.String("settings-password", os.Getenv("BAYROLMETER_SETTINGS_PASSWORD"),
		"Device settings password (optional, checks write access when set)")
	showSettings := flag.Bool("settings", false, "Also dump the parsed settings page per controller")
	flag.Parse()

	if *username == "" || *password == "" {
		log.Fatal("Credentials required: use --username/--password or set BAYROLMETER_USERNAME/BAYROLMETER_PASSWORD")
	}

	log.Printf("=== Bayrol Pool Access Probe ===")

	client := NewPoolClient("", *username, *password, *settingsPassword)
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	if err := client.Login(ctx); err != nil {
		log.Fatalf("Login failed: %v", err)
	}
	log.Printf("Login OK")

	controllers, err := client.ListControllers(ctx)
	if err != nil {
		log.Fatalf("Failed to list controllers: %v", err)
	}
	log.Printf("Found %d controller(s)", len(controllers))

	for _, ctrl := range controllers {
		log.Printf("")
		log.Printf("Controller: %s (CID %s)", ctrl.Name, ctrl.CID)

		reading, err := client.CurrentReading(ctx, ctrl.CID)
		if err != nil {
			log.Printf("  Failed to fetch reading: %v", err)
			continue
		}

		log.Printf("  Status: %s", reading.Status)
		if reading.Status == statusOffline && reading.LastSeen != "" {
			log.Printf("  Last seen: %s", reading.LastSeen)
		}
		for key, value := range reading.Values {
			alarm := ""
			if reading.Alarms[key] {
				alarm = " [ALARM]"
			}
			log.Printf("  %s = %g%s", key, value, alarm)
		}
		for _, diag := range reading.Diagnostics {
			log.Printf("  Diagnostic: %s", diag)
		}
		if reading.Model != "" {
			log.Printf("  Device: %s (serial %s, firmware %s)", reading.Model, reading.DeviceID, reading.Firmware)
		}

		if *settingsPassword != "" {
			access, err := client.ValidateSettingsCredential(ctx, ctrl.CID)
			if err != nil {
				log.Printf("  Settings access check failed: %v", err)
			} else {
				log.Printf("  Settings access: %s", access)
			}
		}

		if *showSettings {
			settings, err := client.CurrentSettings(ctx, ctrl.CID)
			if err != nil {
				log.Printf("  Failed to fetch settings: %v", err)
				continue
			}
			for id, setting := range settings {
				log.Printf("  Setting %s (topic %s): %s", id, setting.Topic, setting.SelectedText)
			}
		}
	}
}
