package mqtt

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"smartbed-bridge/internal/bed"
)

const republishDebounce = 15 * time.Second

// DiscoveryMsg is one external-system discovery payload.
type DiscoveryMsg struct {
	Topic   string
	Payload []byte
}

// haDevice is the "device" block in the discovery payload.
type haDevice struct {
	Identifiers  []string `json:"identifiers"`
	Manufacturer string   `json:"manufacturer,omitempty"`
	Model        string   `json:"model,omitempty"`
	Name         string   `json:"name"`
}

// haEntity is the discovery payload for command entities.
type haEntity struct {
	Name              string   `json:"name"`
	UniqueID          string   `json:"unique_id"`
	CommandTopic      string   `json:"command_topic"`
	AvailabilityTopic string   `json:"availability_topic"`
	PayloadPress      string   `json:"payload_press,omitempty"`
	Icon              string   `json:"icon,omitempty"`
	Device            haDevice `json:"device"`
}

// SafeID sanitizes a string for topics and unique ids: lowercase, with
// anything outside [a-z0-9_-] replaced by underscores.
func SafeID(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '_' || r == '-' {
			return r
		}
		return '_'
	}, s)
}

// EntityTag derives the tag fragment of an entity spec.
func EntityTag(spec bed.EntitySpec) string {
	if spec.Tag != "" {
		return SafeID(spec.Tag)
	}
	return SafeID(spec.Description)
}

// DeviceTopic builds the stable per-bed topic fragment. The stable address is
// the 12-hex identity derived from the bed's configured identifiers, never
// the runtime BLE address, so the choice of linked controller cannot create
// duplicate entities.
func DeviceTopic(manufacturer, stableAddress string) string {
	return SafeID(manufacturer) + "/" + SafeID(stableAddress)
}

// CommandTopic builds the (non-retained) command topic for one entity.
func CommandTopic(ns, deviceTopic, tag string) string {
	return fmt.Sprintf("%s/%s/%s/set", ns, deviceTopic, tag)
}

// BuildEntityDiscovery renders the discovery payloads for one bed.
func BuildEntityDiscovery(ns, manufacturer, stableAddress, deviceName string, specs []bed.EntitySpec) []DiscoveryMsg {
	deviceTopic := DeviceTopic(manufacturer, stableAddress)
	dev := haDevice{
		Identifiers:  []string{SafeID(manufacturer) + "_" + SafeID(stableAddress)},
		Manufacturer: manufacturer,
		Name:         deviceName,
	}

	msgs := make([]DiscoveryMsg, 0, len(specs))
	for _, spec := range specs {
		tag := EntityTag(spec)
		payload := haEntity{
			Name:              deviceName + " " + spec.Description,
			UniqueID:          SafeID(deviceName) + "_" + tag,
			CommandTopic:      CommandTopic(ns, deviceTopic, tag),
			AvailabilityTopic: ns + "/status",
			PayloadPress:      "PRESS",
			Icon:              spec.Icon,
			Device:            dev,
		}
		data, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		msgs = append(msgs, DiscoveryMsg{
			Topic:   fmt.Sprintf("homeassistant/%s/%s_%s/config", spec.Component, deviceTopic, tag),
			Payload: data,
		})
	}
	return msgs
}

// Discovery publishes entity discovery and re-publishes it when the external
// system announces a restart, debounced against flapping announcements.
type Discovery struct {
	client *Client

	mu      sync.Mutex
	msgs    []DiscoveryMsg
	pending *time.Timer
}

// NewDiscovery creates the discovery publisher and subscribes to the external
// system's status announcements.
func NewDiscovery(client *Client) (*Discovery, error) {
	d := &Discovery{client: client}
	err := client.Subscribe("homeassistant/status", func(_ string, payload []byte) {
		if string(payload) != "online" {
			return
		}
		d.mu.Lock()
		defer d.mu.Unlock()
		if d.pending != nil {
			d.pending.Stop()
		}
		d.pending = time.AfterFunc(republishDebounce, d.Republish)
	})
	if err != nil {
		return nil, err
	}
	return d, nil
}

// Add registers messages and publishes them immediately.
func (d *Discovery) Add(msgs []DiscoveryMsg) {
	d.mu.Lock()
	d.msgs = append(d.msgs, msgs...)
	d.mu.Unlock()
	for _, m := range msgs {
		d.client.Publish(m.Topic, m.Payload, true)
	}
}

// Republish sends every known discovery message again.
func (d *Discovery) Republish() {
	d.mu.Lock()
	msgs := append([]DiscoveryMsg(nil), d.msgs...)
	d.mu.Unlock()
	for _, m := range msgs {
		d.client.Publish(m.Topic, m.Payload, true)
	}
}

// Stop cancels a pending republish.
func (d *Discovery) Stop() {
	d.mu.Lock()
	if d.pending != nil {
		d.pending.Stop()
		d.pending = nil
	}
	d.mu.Unlock()
}
