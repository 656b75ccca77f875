package proxy

import (
	"bufio"
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// Wire format: one frame per API message.
//
//	preamble(0xA9) length(u16 LE) type(u8) seq(u8) payload...
//
// length covers type+seq+payload. Responses echo the request sequence number;
// indications carry seq 0. Strings are u8 length-prefixed, integers are
// little-endian.
const framePreamble = 0xA9

const maxFrameLen = 8192

// Message types. A response type is the request type with the high bit set.
const (
	msgHello            = 0x01
	msgAuth             = 0x02
	msgPing             = 0x03
	msgSubscribeAdv     = 0x10
	msgUnsubscribeAdv   = 0x11
	msgDeviceConnect    = 0x12
	msgDeviceDisconnect = 0x13
	msgClearCache       = 0x14
	msgListServices     = 0x15
	msgWriteChar        = 0x16
	msgReadChar         = 0x17
	msgSubscribeNotify  = 0x18
	msgSubscribeLogs    = 0x19

	msgAdvertisementInd = 0x40
	msgNotifyInd        = 0x41
	msgLogInd           = 0x42
	msgDisconnectedInd  = 0x43

	respBit = 0x80
)

// Feature flags advertised in the hello response.
const (
	FlagBLEProxy         = 1 << 0
	FlagCachelessConnect = 1 << 1
	FlagLogStream        = 1 << 2
)

func msgName(t uint8) string {
	base := t &^ uint8(respBit)
	name := "unknown"
	switch base {
	case msgHello:
		name = "hello"
	case msgAuth:
		name = "auth"
	case msgPing:
		name = "ping"
	case msgSubscribeAdv:
		name = "subscribe_adv"
	case msgUnsubscribeAdv:
		name = "unsubscribe_adv"
	case msgDeviceConnect:
		name = "device_connect"
	case msgDeviceDisconnect:
		name = "device_disconnect"
	case msgClearCache:
		name = "clear_cache"
	case msgListServices:
		name = "list_services"
	case msgWriteChar:
		name = "write_char"
	case msgReadChar:
		name = "read_char"
	case msgSubscribeNotify:
		name = "subscribe_notify"
	case msgSubscribeLogs:
		name = "subscribe_logs"
	case msgAdvertisementInd:
		name = "advertisement"
	case msgNotifyInd:
		name = "notify"
	case msgLogInd:
		name = "log"
	case msgDisconnectedInd:
		name = "disconnected"
	}
	if t&respBit != 0 {
		name += "_resp"
	}
	return name
}

// frame is a decoded wire frame.
type frame struct {
	Type    uint8
	Seq     uint8
	Payload []byte
}

func encodeFrame(f *frame) []byte {
	buf := make([]byte, 0, 5+len(f.Payload))
	buf = append(buf, framePreamble)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(2+len(f.Payload)))
	buf = append(buf, f.Type, f.Seq)
	buf = append(buf, f.Payload...)
	return buf
}

// readFrame reads one frame, skipping garbage until a preamble byte.
func readFrame(r *bufio.Reader) (*frame, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == framePreamble {
			break
		}
	}

	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	length := binary.LittleEndian.Uint16(lenBuf[:])
	if length < 2 || length > maxFrameLen {
		return nil, fmt.Errorf("bad format: frame length %d", length)
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return &frame{Type: body[0], Seq: body[1], Payload: body[2:]}, nil
}

// --- payload primitives ---

type wireWriter struct{ buf bytes.Buffer }

func (w *wireWriter) u8(v uint8)   { w.buf.WriteByte(v) }
func (w *wireWriter) u16(v uint16) { w.buf.Write(binary.LittleEndian.AppendUint16(nil, v)) }
func (w *wireWriter) u32(v uint32) { w.buf.Write(binary.LittleEndian.AppendUint32(nil, v)) }
func (w *wireWriter) u64(v uint64) { w.buf.Write(binary.LittleEndian.AppendUint64(nil, v)) }
func (w *wireWriter) bool(v bool) {
	if v {
		w.u8(1)
	} else {
		w.u8(0)
	}
}
func (w *wireWriter) str(s string) {
	if len(s) > 255 {
		s = s[:255]
	}
	w.u8(uint8(len(s)))
	w.buf.WriteString(s)
}
func (w *wireWriter) blob(b []byte) {
	w.u16(uint16(len(b)))
	w.buf.Write(b)
}
func (w *wireWriter) bytes() []byte { return w.buf.Bytes() }

type wireReader struct {
	b   []byte
	off int
	err error
}

func (r *wireReader) fail() {
	if r.err == nil {
		r.err = fmt.Errorf("bad format: truncated payload at %d", r.off)
	}
}

func (r *wireReader) u8() uint8 {
	if r.err != nil || r.off+1 > len(r.b) {
		r.fail()
		return 0
	}
	v := r.b[r.off]
	r.off++
	return v
}

func (r *wireReader) u16() uint16 {
	if r.err != nil || r.off+2 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint16(r.b[r.off:])
	r.off += 2
	return v
}

func (r *wireReader) u32() uint32 {
	if r.err != nil || r.off+4 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint32(r.b[r.off:])
	r.off += 4
	return v
}

func (r *wireReader) u64() uint64 {
	if r.err != nil || r.off+8 > len(r.b) {
		r.fail()
		return 0
	}
	v := binary.LittleEndian.Uint64(r.b[r.off:])
	r.off += 8
	return v
}

func (r *wireReader) bool() bool { return r.u8() != 0 }

func (r *wireReader) str() string {
	n := int(r.u8())
	if r.err != nil || r.off+n > len(r.b) {
		r.fail()
		return ""
	}
	v := string(r.b[r.off : r.off+n])
	r.off += n
	return v
}

func (r *wireReader) blob() []byte {
	n := int(r.u16())
	if r.err != nil || r.off+n > len(r.b) {
		r.fail()
		return nil
	}
	v := make([]byte, n)
	copy(v, r.b[r.off:r.off+n])
	r.off += n
	return v
}

// --- typed messages ---

// AddressType distinguishes public and random BLE addresses.
type AddressType uint8

const (
	AddressPublic AddressType = 0
	AddressRandom AddressType = 1
)

func (t AddressType) String() string {
	if t == AddressRandom {
		return "random"
	}
	return "public"
}

// ManufacturerData is one manufacturer-specific advertisement record.
type ManufacturerData struct {
	CompanyID uint16
	Data      []byte
}

// Advertisement is a BLE advertisement relayed by the proxy.
type Advertisement struct {
	Name         string
	Address      uint64
	AddressType  AddressType
	RSSI         int8
	Manufacturer []ManufacturerData
	ServiceUUIDs []string
}

// MAC renders the 48-bit address as a colon-separated MAC.
func (a Advertisement) MAC() string {
	return FormatMAC(a.Address)
}

// FormatMAC renders a 48-bit address as AA:BB:CC:DD:EE:FF.
func FormatMAC(addr uint64) string {
	return fmt.Sprintf("%02X:%02X:%02X:%02X:%02X:%02X",
		byte(addr>>40), byte(addr>>32), byte(addr>>24),
		byte(addr>>16), byte(addr>>8), byte(addr))
}

func encodeAdvertisement(a *Advertisement) []byte {
	var w wireWriter
	w.str(a.Name)
	w.u64(a.Address)
	w.u8(uint8(a.AddressType))
	w.u8(uint8(a.RSSI))
	w.u8(uint8(len(a.Manufacturer)))
	for _, m := range a.Manufacturer {
		w.u16(m.CompanyID)
		w.blob(m.Data)
	}
	w.u8(uint8(len(a.ServiceUUIDs)))
	for _, u := range a.ServiceUUIDs {
		w.str(u)
	}
	return w.bytes()
}

func decodeAdvertisement(payload []byte) (*Advertisement, error) {
	r := &wireReader{b: payload}
	a := &Advertisement{
		Name:        r.str(),
		Address:     r.u64(),
		AddressType: AddressType(r.u8()),
		RSSI:        int8(r.u8()),
	}
	nMfr := int(r.u8())
	for i := 0; i < nMfr && r.err == nil; i++ {
		a.Manufacturer = append(a.Manufacturer, ManufacturerData{
			CompanyID: r.u16(),
			Data:      r.blob(),
		})
	}
	nSvc := int(r.u8())
	for i := 0; i < nSvc && r.err == nil; i++ {
		a.ServiceUUIDs = append(a.ServiceUUIDs, r.str())
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode advertisement: %w", r.err)
	}
	return a, nil
}

// HelloResponse carries the proxy's identity and capabilities.
type HelloResponse struct {
	APIVersion   uint8
	FeatureFlags uint32
	ServerName   string
}

func decodeHelloResponse(payload []byte) (*HelloResponse, error) {
	r := &wireReader{b: payload}
	h := &HelloResponse{
		APIVersion:   r.u8(),
		FeatureFlags: r.u32(),
		ServerName:   r.str(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode hello response: %w", r.err)
	}
	return h, nil
}

// ConnectResult is the proxy's answer to a device connect request.
type ConnectResult struct {
	Connected bool
	ErrorCode uint16
	MTU       uint16
	MTUValid  bool
}

func decodeConnectResult(payload []byte) (*ConnectResult, error) {
	r := &wireReader{b: payload}
	c := &ConnectResult{
		Connected: r.bool(),
		ErrorCode: r.u16(),
		MTU:       r.u16(),
		MTUValid:  r.bool(),
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode connect result: %w", r.err)
	}
	return c, nil
}

// Characteristic is one GATT characteristic within a service.
type Characteristic struct {
	Handle     uint16
	UUID       string
	Properties uint8
}

// Service is one GATT service with its characteristics.
type Service struct {
	UUID            string
	Characteristics []Characteristic
}

func decodeServices(payload []byte) ([]Service, error) {
	r := &wireReader{b: payload}
	n := int(r.u16())
	services := make([]Service, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		s := Service{UUID: r.str()}
		nc := int(r.u16())
		for j := 0; j < nc && r.err == nil; j++ {
			s.Characteristics = append(s.Characteristics, Characteristic{
				Handle:     r.u16(),
				UUID:       r.str(),
				Properties: r.u8(),
			})
		}
		services = append(services, s)
	}
	if r.err != nil {
		return nil, fmt.Errorf("decode services: %w", r.err)
	}
	return services, nil
}

func encodeServices(services []Service) []byte {
	var w wireWriter
	w.u16(uint16(len(services)))
	for _, s := range services {
		w.str(s.UUID)
		w.u16(uint16(len(s.Characteristics)))
		for _, c := range s.Characteristics {
			w.u16(c.Handle)
			w.str(c.UUID)
			w.u8(c.Properties)
		}
	}
	return w.bytes()
}

// statusResponse is the generic ok/message response payload.
type statusResponse struct {
	OK      bool
	Message string
}

func decodeStatusResponse(payload []byte) (*statusResponse, error) {
	r := &wireReader{b: payload}
	s := &statusResponse{OK: r.bool(), Message: r.str()}
	if r.err != nil {
		return nil, fmt.Errorf("decode status response: %w", r.err)
	}
	return s, nil
}

// LogLine is one proxy log stream entry.
type LogLine struct {
	Level uint8
	Line  string
}

func decodeLogLine(payload []byte) (*LogLine, error) {
	r := &wireReader{b: payload}
	l := &LogLine{Level: r.u8()}
	data := r.blob()
	if r.err != nil {
		return nil, fmt.Errorf("decode log line: %w", r.err)
	}
	l.Line = string(data)
	return l, nil
}

// Notification is one characteristic notification.
type Notification struct {
	Address uint64
	Handle  uint16
	Data    []byte
}

func decodeNotification(payload []byte) (*Notification, error) {
	r := &wireReader{b: payload}
	n := &Notification{Address: r.u64(), Handle: r.u16(), Data: r.blob()}
	if r.err != nil {
		return nil, fmt.Errorf("decode notification: %w", r.err)
	}
	return n, nil
}

// Disconnection is a device-disconnected indication.
type Disconnection struct {
	Address uint64
	Reason  string
}

func decodeDisconnection(payload []byte) (*Disconnection, error) {
	r := &wireReader{b: payload}
	d := &Disconnection{Address: r.u64(), Reason: r.str()}
	if r.err != nil {
		return nil, fmt.Errorf("decode disconnection: %w", r.err)
	}
	return d, nil
}
