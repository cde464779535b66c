// Package protocol implements the logger's serial command protocol: command
// encoding, silence-delimited frame reads, acknowledgement polling and the
// semicolon/comma log format.
package protocol

import (
	"bytes"
	"fmt"
	"math"
	"strconv"
	"strings"
)

// Command is a single-byte device command.
type Command byte

const (
	CmdFetchLogs   Command = '!'
	CmdBeginUpload Command = '@'
	CmdUnlock      Command = '%'
)

func (c Command) String() string {
	switch c {
	case CmdFetchLogs:
		return "fetch-logs"
	case CmdBeginUpload:
		return "begin-upload"
	case CmdUnlock:
		return "unlock"
	default:
		return fmt.Sprintf("cmd(%#02x)", byte(c))
	}
}

// UploadTerminator ends a coordinate upload payload: '\n' then '\r'.
var UploadTerminator = []byte("\n\r")

// Coordinate is a waypoint in decimal degrees.
type Coordinate struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
}

// Validate checks the coordinate lies on the globe.
func (c Coordinate) Validate() error {
	if math.IsNaN(c.Latitude) || c.Latitude < -90 || c.Latitude > 90 {
		return fmt.Errorf("latitude %v outside [-90, 90]", c.Latitude)
	}
	if math.IsNaN(c.Longitude) || c.Longitude < -180 || c.Longitude > 180 {
		return fmt.Errorf("longitude %v outside [-180, 180]", c.Longitude)
	}
	return nil
}

// Encode returns the wire byte for cmd.
func Encode(cmd Command) []byte {
	return []byte{byte(cmd)}
}

// EncodeUpload serializes coords as "lat,lon,lat,lon,..." followed by the
// upload terminator. The command byte is not included; it goes out as its own
// write. Floats use the shortest representation that parses back to the same
// value.
func EncodeUpload(coords []Coordinate) ([]byte, error) {
	var buf bytes.Buffer
	for i, c := range coords {
		if err := c.Validate(); err != nil {
			return nil, &Error{Kind: KindInvalidCoordinate, Substring: fmt.Sprintf("#%d: %v", i, err), Record: -1}
		}
		if i > 0 {
			buf.WriteByte(',')
		}
		buf.WriteString(formatDegrees(c.Latitude))
		buf.WriteByte(',')
		buf.WriteString(formatDegrees(c.Longitude))
	}
	buf.Write(UploadTerminator)
	return buf.Bytes(), nil
}

func formatDegrees(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

// DecodeUpload parses an upload payload back into coordinates. The
// terminator is optional.
func DecodeUpload(payload []byte) ([]Coordinate, error) {
	s := string(bytes.TrimSuffix(payload, UploadTerminator))
	if s == "" {
		return nil, nil
	}
	parts := strings.Split(s, ",")
	if len(parts)%2 != 0 {
		return nil, parseError(-1, s, fmt.Errorf("odd number of values (%d)", len(parts)))
	}
	coords := make([]Coordinate, 0, len(parts)/2)
	for i := 0; i < len(parts); i += 2 {
		lat, err := strconv.ParseFloat(strings.TrimSpace(parts[i]), 64)
		if err != nil {
			return nil, parseError(i/2, parts[i], err)
		}
		lon, err := strconv.ParseFloat(strings.TrimSpace(parts[i+1]), 64)
		if err != nil {
			return nil, parseError(i/2, parts[i+1], err)
		}
		coords = append(coords, Coordinate{Latitude: lat, Longitude: lon})
	}
	return coords, nil
}
