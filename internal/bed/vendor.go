package bed

import (
	"time"

	"smartbed-bridge/internal/proxy"
)

// Command is one BLE write the vendor builder produced. Repeat > 1 turns it
// into a repeating command with Wait between ticks.
type Command struct {
	Name    string
	Payload []byte
	Repeat  int
	Wait    time.Duration
}

// EntitySpec describes one message-bus entity a vendor exposes for a bed.
type EntitySpec struct {
	Component   string // "button", "switch", ...
	Tag         string // stable identifier fragment; Description is used when empty
	Description string
	Icon        string
	Command     Command
}

// Vendor is one controller family: it probes advertisements for support and
// supplies the command byte-builders and entity wiring for matched beds.
type Vendor interface {
	Name() string

	// IsSupported probes whether the advertisement identifies a controller
	// of this family. Used during failover candidate selection: a pinned but
	// asleep controller may be inoperative while its linked twin identifies
	// the same model.
	IsSupported(adv *proxy.Advertisement) bool

	// ServiceUUID and WriteCharacteristicUUID locate the command
	// characteristic in the discovered GATT services.
	ServiceUUID() string
	WriteCharacteristicUUID() string

	// Entities lists the per-bed entities and their commands.
	Entities() []EntitySpec
}

// FindWriteHandle locates the vendor's command characteristic in a service
// list, 0 when absent.
func FindWriteHandle(v Vendor, services []proxy.Service) uint16 {
	for _, s := range services {
		if !uuidEqual(s.UUID, v.ServiceUUID()) {
			continue
		}
		for _, c := range s.Characteristics {
			if uuidEqual(c.UUID, v.WriteCharacteristicUUID()) {
				return c.Handle
			}
		}
	}
	// Fall back to any characteristic matching the write UUID; some firmware
	// revisions move it under a generic service.
	for _, s := range services {
		for _, c := range s.Characteristics {
			if uuidEqual(c.UUID, v.WriteCharacteristicUUID()) {
				return c.Handle
			}
		}
	}
	return 0
}

func uuidEqual(a, b string) bool {
	return normalizeUUID(a) == normalizeUUID(b)
}

func normalizeUUID(u string) string {
	out := make([]byte, 0, len(u))
	for i := 0; i < len(u); i++ {
		c := u[i]
		if c == '-' {
			continue
		}
		if c >= 'A' && c <= 'F' {
			c += 'a' - 'A'
		}
		out = append(out, c)
	}
	return string(out)
}
