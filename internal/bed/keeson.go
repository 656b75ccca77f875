package bed

import (
	"strings"
	"time"

	"smartbed-bridge/internal/proxy"
)

// Keeson is the built-in vendor family for Keeson-based adjustable bases.
type Keeson struct{}

func (Keeson) Name() string { return "keeson" }

// Controllers advertise under a handful of model names depending on firmware
// generation; two linked controllers of one bed always share a prefix.
var keesonNamePrefixes = []string{"keeson", "base-i", "ksbt", "okin"}

func (Keeson) IsSupported(adv *proxy.Advertisement) bool {
	name := strings.ToLower(adv.Name)
	for _, p := range keesonNamePrefixes {
		if strings.HasPrefix(name, p) {
			return true
		}
	}
	for _, u := range adv.ServiceUUIDs {
		if uuidEqual(u, keesonServiceUUID) {
			return true
		}
	}
	return false
}

const (
	keesonServiceUUID   = "0000ffe5-0000-1000-8000-00805f9b34fb"
	keesonWriteCharUUID = "0000ffe9-0000-1000-8000-00805f9b34fb"
)

func (Keeson) ServiceUUID() string             { return keesonServiceUUID }
func (Keeson) WriteCharacteristicUUID() string { return keesonWriteCharUUID }

// keesonCommand frames a 32-bit command code the way the controller expects:
// header, code little-endian, additive checksum complement.
func keesonCommand(code uint32) []byte {
	buf := []byte{0xE5, 0xFE, 0x16,
		byte(code), byte(code >> 8), byte(code >> 16), byte(code >> 24)}
	var sum byte
	for _, b := range buf {
		sum += b
	}
	return append(buf, ^sum)
}

// Command codes. Motor codes must repeat to produce visible travel; presets
// repeat a few times because controllers drop the first write after a long
// idle period.
const (
	keesonCodeFlat        = 0x08000000
	keesonCodeZeroG       = 0x00001000
	keesonCodeTV          = 0x00004000
	keesonCodeAntiSnore   = 0x00008000
	keesonCodeMemory1     = 0x00010000
	keesonCodeHeadUp      = 0x00000001
	keesonCodeHeadDown    = 0x00000002
	keesonCodeFeetUp      = 0x00000004
	keesonCodeFeetDown    = 0x00000008
	keesonCodeMassageHead = 0x00000800
	keesonCodeMassageFeet = 0x00000400
	keesonCodeMassageStop = 0x02000000
	keesonCodeLightToggle = 0x00020000
)

const (
	presetRepeat = 3
	presetWait   = 200 * time.Millisecond
	motorRepeat  = 10
	motorWait    = 150 * time.Millisecond
)

func keesonPreset(name string, code uint32) Command {
	return Command{Name: name, Payload: keesonCommand(code), Repeat: presetRepeat, Wait: presetWait}
}

func keesonMotor(name string, code uint32) Command {
	return Command{Name: name, Payload: keesonCommand(code), Repeat: motorRepeat, Wait: motorWait}
}

func (Keeson) Entities() []EntitySpec {
	return []EntitySpec{
		{Component: "button", Description: "Preset Flat", Icon: "mdi:bed", Command: keesonPreset("PresetFlat", keesonCodeFlat)},
		{Component: "button", Description: "Preset Zero G", Icon: "mdi:bed", Command: keesonPreset("PresetZeroG", keesonCodeZeroG)},
		{Component: "button", Description: "Preset TV", Icon: "mdi:television", Command: keesonPreset("PresetTV", keesonCodeTV)},
		{Component: "button", Description: "Preset Anti Snore", Icon: "mdi:bed", Command: keesonPreset("PresetAntiSnore", keesonCodeAntiSnore)},
		{Component: "button", Description: "Preset Memory 1", Icon: "mdi:bed", Command: keesonPreset("PresetMemory1", keesonCodeMemory1)},
		{Component: "button", Description: "Head Up", Icon: "mdi:arrow-up", Command: keesonMotor("HeadUp", keesonCodeHeadUp)},
		{Component: "button", Description: "Head Down", Icon: "mdi:arrow-down", Command: keesonMotor("HeadDown", keesonCodeHeadDown)},
		{Component: "button", Description: "Feet Up", Icon: "mdi:arrow-up", Command: keesonMotor("FeetUp", keesonCodeFeetUp)},
		{Component: "button", Description: "Feet Down", Icon: "mdi:arrow-down", Command: keesonMotor("FeetDown", keesonCodeFeetDown)},
		{Component: "button", Description: "Massage Head", Icon: "mdi:vibrate", Command: keesonPreset("MassageHead", keesonCodeMassageHead)},
		{Component: "button", Description: "Massage Feet", Icon: "mdi:vibrate", Command: keesonPreset("MassageFeet", keesonCodeMassageFeet)},
		{Component: "button", Description: "Massage Stop", Icon: "mdi:vibrate-off", Command: keesonPreset("MassageStop", keesonCodeMassageStop)},
		{Component: "button", Description: "Under Bed Light", Icon: "mdi:lightbulb", Command: keesonPreset("UnderBedLight", keesonCodeLightToggle)},
	}
}

// VendorByType resolves the configured vendor family.
func VendorByType(t string) (Vendor, bool) {
	switch strings.ToLower(t) {
	case "keeson", "":
		return Keeson{}, true
	default:
		return nil, false
	}
}
