// Package bluetooth switches paired phones between the A2DP music profile
// and the HFP call-audio profile via pactl. Linux (PipeWire/PulseAudio)
// only; other platforms handle this at the OS level.
package bluetooth

import (
	"fmt"
	"os/exec"
	"strings"
)

// Card is a Bluetooth audio card visible to PipeWire/PulseAudio.
type Card struct {
	Name          string // full card name, e.g. "bluez_card.AA_BB_CC_DD_EE_FF"
	MAC           string // human-readable MAC, e.g. "AA:BB:CC:DD:EE:FF"
	ActiveProfile string
	Profiles      []string
}

// HFP profiles in preference order: wideband mSBC first, then plain HFP,
// narrowband CVSD, and finally audio-gateway mode where the phone itself
// owns the audio path.
var hfpProfiles = []string{
	"headset-head-unit-msbc",
	"headset-head-unit",
	"headset-head-unit-cvsd",
	"audio-gateway",
}

// CardName converts "AA:BB:CC:DD:EE:FF" to the pactl card name.
func CardName(mac string) string {
	return "bluez_card." + strings.ReplaceAll(mac, ":", "_")
}

// CardMAC converts a pactl card name back to "AA:BB:CC:DD:EE:FF".
func CardMAC(name string) string {
	return strings.ReplaceAll(strings.TrimPrefix(name, "bluez_card."), "_", ":")
}

// ListCards returns all Bluetooth audio cards pactl knows about.
func ListCards() ([]Card, error) {
	out, err := exec.Command("pactl", "list", "cards").Output()
	if err != nil {
		return nil, fmt.Errorf("pactl list cards: %w", err)
	}
	return parseCards(string(out)), nil
}

// parseCards extracts bluez cards from `pactl list cards` output.
func parseCards(out string) []Card {
	var cards []Card
	var cur *Card
	inProfiles := false

	for _, line := range strings.Split(out, "\n") {
		trimmed := strings.TrimSpace(line)

		switch {
		case strings.HasPrefix(trimmed, "Card #"):
			if cur != nil && strings.HasPrefix(cur.Name, "bluez_card.") {
				cards = append(cards, *cur)
			}
			cur = &Card{}
			inProfiles = false

		case cur == nil:
			continue

		case strings.HasPrefix(trimmed, "Name: "):
			cur.Name = strings.TrimPrefix(trimmed, "Name: ")
			cur.MAC = CardMAC(cur.Name)

		case strings.HasPrefix(trimmed, "Active Profile: "):
			cur.ActiveProfile = strings.TrimPrefix(trimmed, "Active Profile: ")
			inProfiles = false

		case trimmed == "Profiles:":
			inProfiles = true

		case inProfiles && strings.Contains(trimmed, ": "):
			cur.Profiles = append(cur.Profiles, trimmed[:strings.Index(trimmed, ": ")])
		}
	}
	if cur != nil && strings.HasPrefix(cur.Name, "bluez_card.") {
		cards = append(cards, *cur)
	}
	return cards
}

// SwitchToHFP moves the card to the best available HFP call-audio profile
// and returns the profile that was activated.
func SwitchToHFP(cardName string) (string, error) {
	card, err := findCard(cardName)
	if err != nil {
		return "", err
	}

	for _, profile := range hfpProfiles {
		if !hasProfile(card, profile) {
			continue
		}
		if err := setProfile(cardName, profile); err != nil {
			return "", err
		}
		return profile, nil
	}
	return "", fmt.Errorf("card %s has no HFP profile; is the phone paired for calls?", cardName)
}

// SwitchToA2DP restores the card to the first available A2DP stereo profile.
func SwitchToA2DP(cardName string) error {
	card, err := findCard(cardName)
	if err != nil {
		return err
	}

	for _, profile := range card.Profiles {
		if strings.HasPrefix(profile, "a2dp") {
			return setProfile(cardName, profile)
		}
	}
	return fmt.Errorf("card %s has no A2DP profile", cardName)
}

func findCard(cardName string) (*Card, error) {
	cards, err := ListCards()
	if err != nil {
		return nil, err
	}
	for i := range cards {
		if cards[i].Name == cardName {
			return &cards[i], nil
		}
	}
	return nil, fmt.Errorf("card %s not found; make sure the phone is paired and Bluetooth is on", cardName)
}

func hasProfile(card *Card, profile string) bool {
	for _, p := range card.Profiles {
		if p == profile {
			return true
		}
	}
	return false
}

func setProfile(cardName, profile string) error {
	if out, err := exec.Command("pactl", "set-card-profile", cardName, profile).CombinedOutput(); err != nil {
		return fmt.Errorf("pactl set-card-profile %s %s: %s", cardName, profile, strings.TrimSpace(string(out)))
	}
	return nil
}
