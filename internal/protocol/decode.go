package protocol

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
	"time"
)

const (
	recordSep = ';'
	fieldSep  = ','

	stampWidth = 6
	zeroStamp  = "000000"
)

// LogRecord is one stored measurement.
//
// A zero Timestamp means the device did not know the date when it logged the
// record.
type LogRecord struct {
	Coordinate  Coordinate `json:"coordinate"`
	Temperature float64    `json:"temperature"`
	Timestamp   time.Time  `json:"timestamp"`
	Raw         string     `json:"raw,omitempty"`
}

// DecodeOptions control how two-digit years map onto the calendar.
//
// The year is BaseYear + yy + YearCorrection. Firmware that counts from 1900
// is described by BaseYear 1900 and YearCorrection 100.
type DecodeOptions struct {
	BaseYear       int            `yaml:"base_year" json:"baseYear"`
	YearCorrection int            `yaml:"year_correction" json:"yearCorrection"`
	Location       *time.Location `yaml:"-" json:"-"`
}

// DefaultDecodeOptions maps yy onto 20yy in UTC.
func DefaultDecodeOptions() DecodeOptions {
	return DecodeOptions{BaseYear: 2000, Location: time.UTC}
}

// Decoder turns a raw log frame into records.
type Decoder struct {
	Options DecodeOptions
}

// NewDecoder returns a decoder, filling unset options with defaults.
func NewDecoder(opts DecodeOptions) *Decoder {
	if opts.BaseYear == 0 {
		opts.BaseYear = 2000
	}
	if opts.Location == nil {
		opts.Location = time.UTC
	}
	return &Decoder{Options: opts}
}

// Decode parses "date,time,lat,lon,temp;" records in order. Empty input
// yields no records. Text after the last ';' that is not whitespace is a
// truncated record and fails the whole decode.
func (d *Decoder) Decode(frame []byte) ([]LogRecord, error) {
	rest := string(frame)
	var records []LogRecord

	for index := 0; ; index++ {
		if strings.TrimSpace(rest) == "" {
			return records, nil
		}
		end := strings.IndexByte(rest, recordSep)
		if end < 0 {
			return nil, parseError(index, rest, fmt.Errorf("record not terminated by %q", recordSep))
		}
		text := rest[:end]
		rest = rest[end+1:]

		rec, err := d.decodeRecord(index, text)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
}

// decodeRecord consumes the five fields of one record front to back.
func (d *Decoder) decodeRecord(index int, text string) (LogRecord, error) {
	rest := strings.TrimSpace(text)
	fields := make([]string, 0, 5)
	for len(fields) < 5 {
		if rest == "" && len(fields) > 0 {
			break
		}
		i := strings.IndexByte(rest, fieldSep)
		if i < 0 {
			fields = append(fields, rest)
			rest = ""
			break
		}
		fields = append(fields, rest[:i])
		rest = rest[i+1:]
	}
	if len(fields) != 5 {
		return LogRecord{}, parseError(index, text, fmt.Errorf("want 5 fields, got %d", len(fields)))
	}
	if rest != "" {
		return LogRecord{}, parseError(index, text, fmt.Errorf("unexpected trailing fields %q", rest))
	}

	ts, err := d.timestamp(index, fields[0], fields[1])
	if err != nil {
		return LogRecord{}, err
	}
	var nums [3]float64
	for i, f := range fields[2:] {
		v, err := strconv.ParseFloat(strings.TrimSpace(f), 64)
		if err != nil {
			return LogRecord{}, parseError(index, f, err)
		}
		nums[i] = v
	}

	return LogRecord{
		Coordinate:  Coordinate{Latitude: nums[0], Longitude: nums[1]},
		Temperature: nums[2],
		Timestamp:   ts,
		Raw:         strings.TrimSpace(text),
	}, nil
}

// normalizeStamp applies the device's quirks to a ddMMyy or hhmmss field:
// "0" means unknown and becomes all zeroes, and a dropped leading zero is
// restored.
func normalizeStamp(field string) (string, bool) {
	field = strings.TrimSpace(field)
	switch {
	case field == "0":
		field = zeroStamp
	case len(field) == stampWidth-1:
		field = "0" + field
	}
	if len(field) != stampWidth {
		return "", false
	}
	for i := 0; i < len(field); i++ {
		if field[i] < '0' || field[i] > '9' {
			return "", false
		}
	}
	return field, true
}

// pairs splits a six-digit field into its three two-digit values.
func pairs(s string) (a, b, c int) {
	return int(s[0]-'0')*10 + int(s[1]-'0'),
		int(s[2]-'0')*10 + int(s[3]-'0'),
		int(s[4]-'0')*10 + int(s[5]-'0')
}

func (d *Decoder) timestamp(index int, dateField, timeField string) (time.Time, error) {
	date, ok := normalizeStamp(dateField)
	if !ok {
		return time.Time{}, parseError(index, dateField, fmt.Errorf("date is not ddMMyy"))
	}
	clock, ok := normalizeStamp(timeField)
	if !ok {
		return time.Time{}, parseError(index, timeField, fmt.Errorf("time is not hhmmss"))
	}
	if date == zeroStamp {
		return time.Time{}, nil
	}

	day, month, yy := pairs(date)
	hour, minute, second := pairs(clock)
	if month < 1 || month > 12 || day < 1 || day > 31 {
		return time.Time{}, parseError(index, dateField, fmt.Errorf("date out of range"))
	}
	if hour > 23 || minute > 59 || second > 59 {
		return time.Time{}, parseError(index, timeField, fmt.Errorf("time out of range"))
	}

	loc := d.Options.Location
	if loc == nil {
		loc = time.UTC
	}
	year := d.Options.BaseYear + yy + d.Options.YearCorrection
	ts := time.Date(year, time.Month(month), day, hour, minute, second, 0, loc)
	if ts.Day() != day {
		return time.Time{}, parseError(index, dateField, fmt.Errorf("no such day in %s %d", time.Month(month), year))
	}
	return ts, nil
}

// EncodeRecords writes records in the device's log format, each terminated
// by ';'. Zero timestamps are written as the "0" sentinel.
func EncodeRecords(records []LogRecord, opts DecodeOptions) []byte {
	var buf bytes.Buffer
	for _, r := range records {
		if r.Timestamp.IsZero() {
			buf.WriteString("0,0")
		} else {
			ts := r.Timestamp
			if opts.Location != nil {
				ts = ts.In(opts.Location)
			}
			base := opts.BaseYear
			if base == 0 {
				base = 2000
			}
			yy := (ts.Year() - base - opts.YearCorrection) % 100
			if yy < 0 {
				yy += 100
			}
			fmt.Fprintf(&buf, "%02d%02d%02d,%02d%02d%02d",
				ts.Day(), int(ts.Month()), yy, ts.Hour(), ts.Minute(), ts.Second())
		}
		buf.WriteByte(fieldSep)
		buf.WriteString(formatDegrees(r.Coordinate.Latitude))
		buf.WriteByte(fieldSep)
		buf.WriteString(formatDegrees(r.Coordinate.Longitude))
		buf.WriteByte(fieldSep)
		buf.WriteString(strconv.FormatFloat(r.Temperature, 'f', -1, 64))
		buf.WriteByte(recordSep)
	}
	return buf.Bytes()
}
