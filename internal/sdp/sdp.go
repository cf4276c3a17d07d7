// Package sdp inspects session descriptions passing through the gateway.
// Media is never terminated here; offers and answers are relayed verbatim
// and only checked for shape and summarised for logs.
package sdp

import (
	"bytes"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"strconv"
	"strings"

	psdp "github.com/pion/sdp/v3"
)

// ErrNoAudio is returned when a description offers no audio stream.
var ErrNoAudio = errors.New("sdp has no audio media")

// Codec is one payload format from an a=rtpmap attribute.
type Codec struct {
	PayloadType int
	Name        string
	ClockRate   int
	Channels    int
}

func (c Codec) String() string {
	s := c.Name + "/" + strconv.Itoa(c.ClockRate)
	if c.Channels > 0 {
		s += "/" + strconv.Itoa(c.Channels)
	}
	return s
}

// Media is a parsed m= section.
type Media struct {
	Type      string
	Port      int
	Proto     string
	Formats   []int
	Codecs    []Codec
	Direction string
	// Address is the media-level c= address, if any.
	Address string
}

// Description holds the parts of an SDP body the gateway looks at.
type Description struct {
	Version   int
	Origin    string
	SessionID string
	Address   string // session-level c= address
	Media     []Media
}

// Parse parses an SDP body. At least one m= line is required.
func Parse(body []byte) (*Description, error) {
	if len(bytes.TrimSpace(body)) == 0 {
		return nil, errors.New("empty sdp body")
	}

	var sd psdp.SessionDescription
	if err := sd.Unmarshal(body); err != nil {
		return nil, fmt.Errorf("invalid sdp: %w", err)
	}
	if sd.Version != 0 {
		return nil, errors.New("unsupported sdp version")
	}
	if sd.Origin.UnicastAddress == "" {
		return nil, errors.New("missing sdp origin")
	}
	if len(sd.MediaDescriptions) == 0 {
		return nil, errors.New("sdp has no media")
	}

	d := &Description{
		Version:   int(sd.Version),
		Origin:    sd.Origin.UnicastAddress,
		SessionID: strconv.FormatUint(sd.Origin.SessionID, 10),
	}
	addr, err := connectionAddress(sd.ConnectionInformation)
	if err != nil {
		return nil, fmt.Errorf("invalid sdp connection: %w", err)
	}
	d.Address = addr

	for _, md := range sd.MediaDescriptions {
		m, err := convertMedia(md)
		if err != nil {
			return nil, fmt.Errorf("invalid sdp media line: %w", err)
		}
		d.Media = append(d.Media, m)
	}
	return d, nil
}

// ParseOffer parses an offer the gateway is asked to relay. It must carry
// an audio stream.
func ParseOffer(body []byte) (*Description, error) {
	d, err := Parse(body)
	if err != nil {
		return nil, err
	}
	if d.Audio() == nil {
		return nil, ErrNoAudio
	}
	return d, nil
}

// Audio returns the first audio media section, or nil.
func (d *Description) Audio() *Media {
	for i := range d.Media {
		if d.Media[i].Type == "audio" {
			return &d.Media[i]
		}
	}
	return nil
}

// MediaAddress returns the address media for m is sent to, preferring the
// media-level c= line.
func (d *Description) MediaAddress(m *Media) string {
	if m.Address != "" {
		return m.Address
	}
	return d.Address
}

// OnHold reports whether the audio stream is held: not receiving from the
// remote side, or pointed at the unspecified address.
func (d *Description) OnHold() bool {
	a := d.Audio()
	if a == nil {
		return false
	}
	if a.Direction == "sendonly" || a.Direction == "inactive" {
		return true
	}
	addr := d.MediaAddress(a)
	return addr == "0.0.0.0" || addr == "::"
}

// CodecNames returns the audio codec names in offer order.
func (d *Description) CodecNames() []string {
	a := d.Audio()
	if a == nil {
		return nil
	}
	names := make([]string, 0, len(a.Formats))
	for _, pt := range a.Formats {
		names = append(names, a.codecName(pt))
	}
	return names
}

// LogValue implements slog.LogValuer.
func (d *Description) LogValue() slog.Value {
	a := d.Audio()
	if a == nil {
		return slog.GroupValue(slog.Int("media", len(d.Media)))
	}
	return slog.GroupValue(
		slog.String("addr", d.MediaAddress(a)),
		slog.Int("port", a.Port),
		slog.String("proto", a.Proto),
		slog.String("codecs", strings.Join(d.CodecNames(), ",")),
		slog.String("direction", a.Direction),
	)
}

// codecName names payload type pt, falling back to the RFC 3551 static
// assignments when no rtpmap was given.
func (m *Media) codecName(pt int) string {
	for _, c := range m.Codecs {
		if c.PayloadType == pt && c.Name != "" {
			return c.Name
		}
	}
	if name, ok := staticPayloads[pt]; ok {
		return name
	}
	return strconv.Itoa(pt)
}

var staticPayloads = map[int]string{
	0:  "PCMU",
	3:  "GSM",
	4:  "G723",
	8:  "PCMA",
	9:  "G722",
	18: "G729",
}

// connectionAddress returns the address of a c= line, or "" if there is none.
func connectionAddress(ci *psdp.ConnectionInformation) (string, error) {
	if ci == nil || ci.Address == nil {
		return "", nil
	}
	if _, err := netip.ParseAddr(ci.Address.Address); err != nil {
		return "", fmt.Errorf("invalid ip address %q", ci.Address.Address)
	}
	return ci.Address.Address, nil
}

func convertMedia(md *psdp.MediaDescription) (Media, error) {
	port := md.MediaName.Port.Value
	if port < 0 || port > 65535 {
		return Media{}, fmt.Errorf("invalid port %d", port)
	}

	m := Media{
		Type:      md.MediaName.Media,
		Port:      port,
		Proto:     strings.Join(md.MediaName.Protos, "/"),
		Direction: "sendrecv",
	}
	for _, s := range md.MediaName.Formats {
		pt, err := strconv.Atoi(s)
		if err != nil {
			// Non-RTP protocols use tokens, not payload numbers.
			if !strings.Contains(m.Proto, "RTP") {
				continue
			}
			return Media{}, fmt.Errorf("invalid payload type %q", s)
		}
		m.Formats = append(m.Formats, pt)
	}

	addr, err := connectionAddress(md.ConnectionInformation)
	if err != nil {
		return Media{}, err
	}
	m.Address = addr

	for _, a := range md.Attributes {
		switch a.Key {
		case "sendrecv", "sendonly", "recvonly", "inactive":
			m.Direction = a.Key
		case "rtpmap":
			if c, err := parseRtpmap(a.Value); err == nil {
				m.Codecs = append(m.Codecs, c)
			}
		}
	}
	return m, nil
}

// parseRtpmap parses "<pt> <name>/<rate>[/<channels>]".
func parseRtpmap(value string) (Codec, error) {
	ptStr, enc, ok := strings.Cut(value, " ")
	if !ok {
		return Codec{}, fmt.Errorf("expected '<pt> <encoding>', got %q", value)
	}
	pt, err := strconv.Atoi(ptStr)
	if err != nil {
		return Codec{}, fmt.Errorf("invalid payload type: %w", err)
	}

	parts := strings.Split(strings.TrimSpace(enc), "/")
	if len(parts) < 2 {
		return Codec{}, fmt.Errorf("expected '<name>/<rate>', got %q", enc)
	}
	rate, err := strconv.Atoi(parts[1])
	if err != nil {
		return Codec{}, fmt.Errorf("invalid clock rate: %w", err)
	}

	c := Codec{PayloadType: pt, Name: parts[0], ClockRate: rate}
	if len(parts) >= 3 {
		if ch, err := strconv.Atoi(parts[2]); err == nil {
			c.Channels = ch
		}
	}
	return c, nil
}
