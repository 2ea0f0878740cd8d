package transport

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// Engine.IO v4 packet types
const (
	engineOpen    byte = '0'
	engineClose   byte = '1'
	enginePing    byte = '2'
	enginePong    byte = '3'
	engineMessage byte = '4'
	engineUpgrade byte = '5'
	engineNoop    byte = '6'
)

// Socket.IO v5 packet types, carried inside an Engine.IO message
const (
	packetConnect      byte = '0'
	packetDisconnect   byte = '1'
	packetEvent        byte = '2'
	packetAck          byte = '3'
	packetConnectError byte = '4'
	packetBinaryEvent  byte = '5'
	packetBinaryAck    byte = '6'
)

const defaultNamespace = "/"

var errEmptyPacket = errors.New("empty packet")

// packet is a decoded Engine.IO frame. Socket fields are only set for engineMessage.
type packet struct {
	engine    byte
	kind      byte
	namespace string
	ackID     int
	hasAck    bool
	data      json.RawMessage
}

// handshake is the payload of the Engine.IO open packet
type handshake struct {
	SID          string   `json:"sid"`
	Upgrades     []string `json:"upgrades"`
	PingInterval int      `json:"pingInterval"`
	PingTimeout  int      `json:"pingTimeout"`
	MaxPayload   int      `json:"maxPayload"`
}

func decodePacket(frame string) (packet, error) {
	if frame == "" {
		return packet{}, errEmptyPacket
	}

	p := packet{engine: frame[0], namespace: defaultNamespace}
	switch p.engine {
	case engineOpen, engineClose, enginePing, enginePong, engineUpgrade, engineNoop:
		if len(frame) > 1 {
			p.data = json.RawMessage(frame[1:])
		}
		return p, nil
	case engineMessage:
	default:
		return packet{}, fmt.Errorf("unknown engine packet type %q", p.engine)
	}

	rest := frame[1:]
	if rest == "" {
		return packet{}, fmt.Errorf("message packet without socket type")
	}
	p.kind = rest[0]
	if p.kind < packetConnect || p.kind > packetBinaryAck {
		return packet{}, fmt.Errorf("unknown socket packet type %q", p.kind)
	}
	rest = rest[1:]

	// Binary packets prefix the attachment count: 451-["event",{...}]
	if p.kind == packetBinaryEvent || p.kind == packetBinaryAck {
		if i := strings.IndexByte(rest, '-'); i >= 0 {
			rest = rest[i+1:]
		}
	}

	if strings.HasPrefix(rest, "/") {
		i := strings.IndexByte(rest, ',')
		if i < 0 {
			p.namespace = rest
			return p, nil
		}
		p.namespace = rest[:i]
		rest = rest[i+1:]
	}

	digits := 0
	for digits < len(rest) && rest[digits] >= '0' && rest[digits] <= '9' {
		digits++
	}
	if digits > 0 {
		id, err := strconv.Atoi(rest[:digits])
		if err != nil {
			return packet{}, fmt.Errorf("invalid ack id: %w", err)
		}
		p.ackID = id
		p.hasAck = true
		rest = rest[digits:]
	}

	if rest != "" {
		if !json.Valid([]byte(rest)) {
			return packet{}, fmt.Errorf("invalid packet payload")
		}
		p.data = json.RawMessage(rest)
	}
	return p, nil
}

// decodeEvent splits an event payload ["name", arg...] into its name and arguments
func decodeEvent(data json.RawMessage) (string, []json.RawMessage, error) {
	var parts []json.RawMessage
	if err := json.Unmarshal(data, &parts); err != nil {
		return "", nil, fmt.Errorf("event payload is not an array: %w", err)
	}
	if len(parts) == 0 {
		return "", nil, fmt.Errorf("event payload is empty")
	}

	var name string
	if err := json.Unmarshal(parts[0], &name); err != nil {
		return "", nil, fmt.Errorf("event name is not a string: %w", err)
	}
	return name, parts[1:], nil
}

// encodeEvent builds the text frame for an outbound event
func encodeEvent(namespace, name string, args ...any) (string, error) {
	payload := make([]any, 0, len(args)+1)
	payload = append(payload, name)
	payload = append(payload, args...)

	data, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("failed to encode event %s: %w", name, err)
	}
	return string([]byte{engineMessage, packetEvent}) + namespacePrefix(namespace) + string(data), nil
}

// encodeControl builds a connect or disconnect frame for the namespace
func encodeControl(kind byte, namespace string) string {
	ns := namespacePrefix(namespace)
	if ns != "" {
		ns = strings.TrimSuffix(ns, ",")
	}
	return string([]byte{engineMessage, kind}) + ns
}

func namespacePrefix(namespace string) string {
	if namespace == "" || namespace == defaultNamespace {
		return ""
	}
	return namespace + ","
}
