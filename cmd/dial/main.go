// dial is the PhoneLink command-line client: it submits call commands to
// a gateway, lists connected devices and manages local configuration,
// finding the gateway on the LAN via mDNS when no URL is configured yet.
package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/phonelink/phonelink/pkg/bluetooth"
	"github.com/phonelink/phonelink/pkg/discover"
	"github.com/phonelink/phonelink/pkg/protocol"
	"github.com/phonelink/phonelink/pkg/updater"
)

var (
	// Version is set at build time via ldflags
	Version = "dev"

	discoveryTimeout uint64
)

func main() {
	root := &cobra.Command{
		Use:           "dial",
		Short:         "Trigger phone calls through a connected device",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().Uint64Var(&discoveryTimeout, "timeout", 5, "Discovery timeout in seconds")

	root.AddCommand(callCmd(), devicesCmd(), statusCmd(), discoverCmd(), configCmd(), btCmd(), updateCmd())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// resolveConfig loads the CLI config, running transparent mDNS discovery
// (and persisting the result) when the URL is still the placeholder.
func resolveConfig() (*CLIConfig, error) {
	cfg, err := loadCLIConfig()
	if err != nil {
		// First run: write defaults and continue into discovery.
		if _, werr := writeDefaultCLIConfig(); werr != nil {
			return nil, werr
		}
		if cfg, err = loadCLIConfig(); err != nil {
			return nil, err
		}
	}

	if cfg.isPlaceholder() {
		fmt.Printf("No gateway URL configured, scanning LAN (%ds)...\n", discoveryTimeout)
		gw, err := discover.Browse(context.Background(), time.Duration(discoveryTimeout)*time.Second)
		if err != nil {
			return nil, err
		}
		if gw == nil {
			return nil, fmt.Errorf("no gateway found on the LAN within %ds; start the gateway or set server_url manually", discoveryTimeout)
		}
		fmt.Printf("Gateway found at %s:%d, saving to config\n", gw.Host, gw.Port)
		cfg.ServerURL = gw.URL
		if err := cfg.save(); err != nil {
			fmt.Fprintln(os.Stderr, "warn: could not save config:", err)
		}
	}

	if cfg.Token == "" {
		return nil, fmt.Errorf("no token configured; edit %s", configPath())
	}
	return cfg, nil
}

func callCmd() *cobra.Command {
	var btMAC string

	cmd := &cobra.Command{
		Use:   "call <device-id> <number>",
		Short: "Initiate a phone call via a connected device",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			deviceID, number := args[0], args[1]
			if deviceID == "" {
				return fmt.Errorf("device id must not be empty")
			}
			if err := protocol.ValidateNumber(number); err != nil {
				return err
			}

			cfg, err := resolveConfig()
			if err != nil {
				return err
			}

			// CLI flag wins over the configured MAC.
			mac := btMAC
			if mac == "" {
				mac = cfg.BtMAC
			}
			if mac != "" {
				fmt.Print("Switching Bluetooth to HFP call-audio mode... ")
				if profile, err := bluetooth.SwitchToHFP(bluetooth.CardName(mac)); err != nil {
					fmt.Println()
					fmt.Fprintln(os.Stderr, "warn: BT switch failed:", err)
					fmt.Fprintln(os.Stderr, "  Continuing; audio will stay on the phone speaker.")
				} else {
					fmt.Printf("done (%s)\n", profile)
				}
			}

			client := newGatewayClient(cfg)
			fmt.Printf("Dispatching call to %s -> %s\n", deviceID, number)

			result, err := client.call(deviceID, number)
			if err != nil {
				return err
			}

			fmt.Println("Call command sent!")
			fmt.Println("  Device :", result.DeviceID)
			fmt.Println("  Command:", result.CommandID)
			if mac != "" {
				fmt.Println()
				fmt.Println("  Audio is routed to this machine via BT HFP.")
				fmt.Printf("  When the call ends, run: dial bt a2dp %s\n", mac)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&btMAC, "bt-mac", "", "Bluetooth MAC of the phone; switches audio to HFP before the call")
	return cmd
}

func devicesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "devices",
		Short: "List devices currently connected to the gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			resp, err := newGatewayClient(cfg).devices()
			if err != nil {
				return err
			}

			if resp.Count == 0 {
				fmt.Println("No devices currently connected.")
				return nil
			}
			fmt.Printf("%d device(s) connected\n\n", resp.Count)
			for _, dev := range resp.Devices {
				fmt.Printf("  - %s  (connected since %s)\n", dev.DeviceID, dev.ConnectedAt)
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Check gateway health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := resolveConfig()
			if err != nil {
				return err
			}
			health, err := newGatewayClient(cfg).health()
			if err != nil {
				return err
			}

			fmt.Println("Gateway is reachable")
			fmt.Println("  URL:              ", cfg.ServerURL)
			if uptime, ok := health["uptime"].(float64); ok {
				fmt.Printf("  Uptime:            %.0fs\n", uptime)
			}
			if count, ok := health["connectedDevices"].(float64); ok {
				fmt.Printf("  Connected devices: %.0f\n", count)
			}
			return nil
		},
	}
}

func discoverCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "discover",
		Short: "Scan the LAN for a PhoneLink gateway and save its URL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Printf("Scanning for PhoneLink gateway (%ds)...\n", discoveryTimeout)
			gw, err := discover.Browse(context.Background(), time.Duration(discoveryTimeout)*time.Second)
			if err != nil {
				return err
			}
			if gw == nil {
				return fmt.Errorf("no gateway found within %ds; is the server running?", discoveryTimeout)
			}

			fmt.Printf("Gateway found!\n  Host: %s\n  Port: %d\n  URL:  %s\n", gw.Host, gw.Port, gw.URL)

			cfg, err := loadCLIConfig()
			if err != nil {
				if _, werr := writeDefaultCLIConfig(); werr != nil {
					return werr
				}
				if cfg, err = loadCLIConfig(); err != nil {
					return err
				}
			}
			cfg.ServerURL = gw.URL
			if err := cfg.save(); err != nil {
				return err
			}
			fmt.Println("Saved to", configPath())
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Manage configuration",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "init",
			Short: "Create a default config file",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				path, err := writeDefaultCLIConfig()
				if err != nil {
					return err
				}
				fmt.Println("Created config at", path)
				fmt.Println("server_url is set to the placeholder; run `dial discover` to auto-detect the gateway.")
				return nil
			},
		},
		&cobra.Command{
			Use:   "path",
			Short: "Print the path to the config file",
			Args:  cobra.NoArgs,
			Run: func(cmd *cobra.Command, args []string) {
				fmt.Println(configPath())
			},
		},
		&cobra.Command{
			Use:   "show",
			Short: "Show current config values",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadCLIConfig()
				if err != nil {
					return err
				}
				fmt.Printf("server_url = %q\n", cfg.ServerURL)
				fmt.Println(`token      = "***"`)
				if cfg.BtMAC != "" {
					fmt.Printf("bt_mac     = %q\n", cfg.BtMAC)
				} else {
					fmt.Println("bt_mac     = (not set)")
				}
				return nil
			},
		},
		&cobra.Command{
			Use:   "set-bt-mac <mac>",
			Short: "Save a Bluetooth MAC so `dial call` auto-switches audio",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				cfg, err := loadCLIConfig()
				if err != nil {
					return err
				}
				cfg.BtMAC = args[0]
				if err := cfg.save(); err != nil {
					return err
				}
				fmt.Printf("Saved bt_mac = %s to config\n", args[0])
				return nil
			},
		},
	)
	return cmd
}

func updateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "update",
		Short: "Update dial to the latest release",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			exePath, err := os.Executable()
			if err != nil {
				return fmt.Errorf("locate executable: %w", err)
			}
			fmt.Printf("Current version: %s\n", Version)
			return updater.SelfUpdate(Version, exePath, os.Args)
		},
	}
}

func btCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "bt",
		Short: "Bluetooth audio helpers (Linux: PipeWire / PulseAudio)",
	}

	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List Bluetooth audio devices",
			Args:  cobra.NoArgs,
			RunE: func(cmd *cobra.Command, args []string) error {
				cards, err := bluetooth.ListCards()
				if err != nil {
					return err
				}
				if len(cards) == 0 {
					fmt.Println("No Bluetooth audio devices found. Make sure your phone is paired and BT is enabled.")
					return nil
				}
				fmt.Printf("%d Bluetooth device(s) found\n\n", len(cards))
				for _, card := range cards {
					fmt.Printf("  - %s  (%s)\n", card.MAC, card.ActiveProfile)
				}
				fmt.Println()
				fmt.Println("  Switch to call audio : dial bt hfp <MAC>")
				fmt.Println("  Switch back to music : dial bt a2dp <MAC>")
				return nil
			},
		},
		&cobra.Command{
			Use:   "hfp <mac>",
			Short: "Switch a paired phone to the HFP call-audio profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				profile, err := bluetooth.SwitchToHFP(bluetooth.CardName(args[0]))
				if err != nil {
					return err
				}
				fmt.Printf("done (%s)\n", profile)
				fmt.Printf("To restore music audio after the call: dial bt a2dp %s\n", args[0])
				return nil
			},
		},
		&cobra.Command{
			Use:   "a2dp <mac>",
			Short: "Switch a phone back to the A2DP stereo profile",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				if err := bluetooth.SwitchToA2DP(bluetooth.CardName(args[0])); err != nil {
					return err
				}
				fmt.Println("done")
				return nil
			},
		},
	)
	return cmd
}
