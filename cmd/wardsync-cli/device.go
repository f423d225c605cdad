package main

import (
	"fmt"
	"net/url"
	"os"
	"strconv"
	"time"
)

type cliDevice struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Ward       string    `json:"ward,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
	LastSeenAt int64     `json:"last_seen_at,omitempty"`
	Revoked    bool      `json:"revoked,omitempty"`
}

type cliDeviceRegistered struct {
	Device cliDevice `json:"device"`
	Token  string    `json:"token"`
}

func runDevice(args []string) {
	if len(args) == 0 {
		fmt.Println(`Usage: wardsync-cli device <subcommand>

Subcommands:
  list                      List registered sync devices
  register <name> [ward]    Register a device and print its token (admin)
  revoke <id>               Revoke a device's sync access (admin)
  rm <id>                   Delete a device entry (admin)`)
		os.Exit(1)
	}

	requireCreds()

	switch args[0] {
	case "list", "ls":
		deviceList()
	case "register", "add":
		if len(args) < 2 {
			fatal("device register requires a name")
		}
		ward := ""
		if len(args) > 2 {
			ward = args[2]
		}
		deviceRegister(args[1], ward)
	case "revoke":
		if len(args) < 2 {
			fatal("device revoke requires a device id")
		}
		apiJSON("POST", "/devices/"+url.PathEscape(args[1])+"/revoke", nil, nil)
		fmt.Printf("Device %s revoked.\n", args[1])
	case "rm", "delete":
		if len(args) < 2 {
			fatal("device rm requires a device id")
		}
		apiJSON("DELETE", "/devices/"+url.PathEscape(args[1]), nil, nil)
		fmt.Printf("Device %s deleted.\n", args[1])
	default:
		fatal("unknown device subcommand: " + args[0])
	}
}

func deviceList() {
	var devices []cliDevice
	apiJSON("GET", "/devices", nil, &devices)

	if len(devices) == 0 {
		fmt.Println("No devices registered.")
		return
	}

	var rows [][]string
	for _, d := range devices {
		ward := d.Ward
		if ward == "" {
			ward = "-"
		}
		rows = append(rows, []string{
			d.ID,
			d.Name,
			ward,
			formatTime(d.CreatedAt),
			formatUnixSecs(d.LastSeenAt),
			strconv.FormatBool(d.Revoked),
		})
	}
	printTable([]string{"ID", "NAME", "WARD", "REGISTERED", "LAST SEEN", "REVOKED"}, rows)
}

func deviceRegister(name, ward string) {
	var res cliDeviceRegistered
	apiJSON("POST", "/devices", map[string]string{"name": name, "ward": ward}, &res)

	fmt.Printf("Device registered.\n\n")
	fmt.Printf("  ID:    %s\n", res.Device.ID)
	fmt.Printf("  Name:  %s\n", res.Device.Name)
	if res.Device.Ward != "" {
		fmt.Printf("  Ward:  %s\n", res.Device.Ward)
	}
	fmt.Printf("  Token: %s\n\n", res.Token)
	fmt.Println("Store the token now. It is hashed server-side and cannot be shown again.")
}
