package codec

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
)

// RejectReason classifies why a candidate '$' frame was rejected.
type RejectReason string

const (
	ReasonNonHexLength  RejectReason = "non_hex_length"
	ReasonLengthMismatch RejectReason = "length_mismatch"
	ReasonCrc8Mismatch  RejectReason = "crc8_mismatch"
)

// FrameRejected is returned by Parse when a candidate '$' frame fails
// validation. Only CRC8 is ever checked on receive; CRC16 is computed
// by the sender but never verified on the receiving side.
type FrameRejected struct {
	Reason RejectReason
	Line   string
}

func (e *FrameRejected) Error() string {
	return fmt.Sprintf("frame rejected (%s): %q", e.Reason, e.Line)
}

// DollarFrame is a decoded PC-Link '$' frame: '$' LL PAYLOAD CRC16 CRC8.
type DollarFrame struct {
	FuncCode byte
	// AddrHex is the canonical (non-byte-swapped) 4-hex-char module
	// address, e.g. "4707". The on-wire payload carries it byte-swapped.
	AddrHex string
	Args    []byte
	CRC16   uint16
	CRC8    uint8
	Raw     string
}

// wireAddrBytes returns the on-wire (low byte first) encoding of a
// canonical 4-hex-char module address such as "4707" -> [0x07, 0x47].
func wireAddrBytes(addrHex string) ([2]byte, error) {
	var out [2]byte
	if len(addrHex) != 4 {
		return out, fmt.Errorf("codec: module address %q must be 4 hex chars", addrHex)
	}
	raw, err := hex.DecodeString(addrHex)
	if err != nil {
		return out, fmt.Errorf("codec: module address %q: %w", addrHex, err)
	}
	out[0] = raw[1]
	out[1] = raw[0]
	return out, nil
}

// Build assembles a '$' frame for the given function code, module address
// (canonical, e.g. "4707"), and function-specific argument bytes.
func Build(funcCode byte, addrHex string, args []byte) (string, error) {
	wireAddr, err := wireAddrBytes(addrHex)
	if err != nil {
		return "", err
	}

	data := make([]byte, 0, 3+len(args))
	data = append(data, funcCode, wireAddr[0], wireAddr[1])
	data = append(data, args...)

	dataHex := strings.ToUpper(hex.EncodeToString(data))
	crc16 := CRC16(data)
	crc16Hex := fmt.Sprintf("%04X", crc16)

	ll := len(dataHex) + 10
	prefix := fmt.Sprintf("$%02X%s%s", ll, dataHex, crc16Hex)
	crc8 := CRC8([]byte(prefix))
	return fmt.Sprintf("%s%02X", prefix, crc8), nil
}

// Parse validates and decodes a candidate '$' frame from one received
// line. If the line contains more than one '$', the second occurrence is
// treated as the start of the candidate frame (covers echo-concatenation
// where the bus echoes a just-sent frame ahead of its own reply).
func Parse(line string) (*DollarFrame, error) {
	candidate := line
	if idx := strings.Index(line, "$"); idx >= 0 {
		if idx2 := strings.Index(line[idx+1:], "$"); idx2 >= 0 {
			candidate = line[idx+1+idx2:]
		} else {
			candidate = line[idx:]
		}
	}

	if len(candidate) < 3 || candidate[0] != '$' {
		return nil, &FrameRejected{Reason: ReasonLengthMismatch, Line: line}
	}

	llVal, err := strconv.ParseUint(candidate[1:3], 16, 8)
	if err != nil {
		return nil, &FrameRejected{Reason: ReasonNonHexLength, Line: line}
	}

	payloadLen := int(llVal) - 10
	if payloadLen < 0 {
		return nil, &FrameRejected{Reason: ReasonLengthMismatch, Line: line}
	}
	wantLen := 1 + 2 + payloadLen + 4 + 2
	if len(candidate) != wantLen {
		return nil, &FrameRejected{Reason: ReasonLengthMismatch, Line: line}
	}

	payloadHex := candidate[3 : 3+payloadLen]
	crc16Hex := candidate[3+payloadLen : 3+payloadLen+4]
	crc8Hex := candidate[3+payloadLen+4 : 3+payloadLen+6]

	payload, err := hex.DecodeString(payloadHex)
	if err != nil {
		return nil, &FrameRejected{Reason: ReasonNonHexLength, Line: line}
	}
	crc16Val, err := strconv.ParseUint(crc16Hex, 16, 16)
	if err != nil {
		return nil, &FrameRejected{Reason: ReasonNonHexLength, Line: line}
	}
	crc8Val, err := strconv.ParseUint(crc8Hex, 16, 8)
	if err != nil {
		return nil, &FrameRejected{Reason: ReasonNonHexLength, Line: line}
	}

	gotCRC8 := CRC8([]byte(candidate[:3+payloadLen+4]))
	if gotCRC8 != uint8(crc8Val) {
		return nil, &FrameRejected{Reason: ReasonCrc8Mismatch, Line: line}
	}

	if len(payload) < 3 {
		return nil, &FrameRejected{Reason: ReasonLengthMismatch, Line: line}
	}

	addrHex := strings.ToUpper(fmt.Sprintf("%02X%02X", payload[2], payload[1]))

	return &DollarFrame{
		FuncCode: payload[0],
		AddrHex:  addrHex,
		Args:     payload[3:],
		CRC16:    uint16(crc16Val),
		CRC8:     uint8(crc8Val),
		Raw:      candidate,
	}, nil
}

// BuildRaw wraps an already-assembled payload hex string (function code,
// wire-order address, and arguments) into a complete '$' frame. Used for
// inventory probes whose payload is constructed byte-wise rather than
// from a canonical module address.
func BuildRaw(payloadHex string) (string, error) {
	payloadHex = strings.ToUpper(payloadHex)
	data, err := hex.DecodeString(payloadHex)
	if err != nil {
		return "", fmt.Errorf("codec: payload %q: %w", payloadHex, err)
	}
	ll := len(payloadHex) + 10
	prefix := fmt.Sprintf("$%02X%s%04X", ll, payloadHex, CRC16(data))
	return fmt.Sprintf("%s%02X", prefix, CRC8([]byte(prefix))), nil
}

// HashFrame builds the two CR-separated tokens used to press a virtual
// button: "#N" + address, followed by the "#E1" execute marker.
func HashFrame(addrHex string) []string {
	return []string{"#N" + strings.ToUpper(addrHex), "#E1"}
}

// ParseButtonAddress extracts the 6-hex-char button address from a line
// containing "#N" anywhere in the line.
func ParseButtonAddress(line string) (string, bool) {
	idx := strings.Index(line, "#N")
	if idx < 0 || idx+8 > len(line) {
		return "", false
	}
	addr := line[idx+2 : idx+8]
	for _, c := range addr {
		if !strings.ContainsRune("0123456789ABCDEFabcdef", c) {
			return "", false
		}
	}
	return strings.ToUpper(addr), true
}
