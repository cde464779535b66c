package protocol

import (
	"errors"
	"fmt"
	"io/fs"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"github.com/shaunagostinho/leogeo/internal/device"
)

type EngineTestSuite struct {
	suite.Suite
	clock  *fakeClock
	tr     *scriptedTransport
	opener *scriptedOpener
	engine *Engine
}

func (s *EngineTestSuite) SetupTest() {
	s.clock = newFakeClock()
	s.tr = &scriptedTransport{clock: s.clock}
	s.opener = &scriptedOpener{t: s.tr}
	s.engine = NewEngine(s.opener, DefaultConfig(), WithClock(s.clock))
}

// afterWarmUp schedules data relative to the end of the post-open delay.
func (s *EngineTestSuite) afterWarmUp(d time.Duration, data string) chunk {
	return chunk{at: DefaultConfig().WarmUp + d, data: []byte(data)}
}

func (s *EngineTestSuite) TestFetchLogs() {
	s.tr.chunks = []chunk{
		s.afterWarmUp(ms(40), "010124,120000,51.98,5.91,21.5;"),
		s.afterWarmUp(ms(240), "020124,130000,52.00,6.00,20.0;"),
	}

	records, err := s.engine.FetchLogs("ttyUSB0")
	s.Require().NoError(err)
	s.Require().Len(records, 2)
	s.Equal(time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC), records[0].Timestamp)
	s.Equal(time.Date(2024, 1, 2, 13, 0, 0, 0, time.UTC), records[1].Timestamp)
	s.Equal(Coordinate{Latitude: 51.98, Longitude: 5.91}, records[0].Coordinate)
	s.Equal(Coordinate{Latitude: 52.00, Longitude: 6.00}, records[1].Coordinate)
	s.Equal(21.5, records[0].Temperature)
	s.Equal(20.0, records[1].Temperature)

	s.Equal([][]byte{[]byte("!")}, s.tr.written)
	s.Equal(1, s.tr.closed)
	s.Equal([]string{"ttyUSB0"}, s.opener.ports)
	s.Equal(device.DefaultSerialConfig(), s.opener.cfgs[0])
	s.Equal(DefaultConfig().WarmUp, s.clock.sleeps[0])
}

func (s *EngineTestSuite) TestFetchLogsNoData() {
	_, err := s.engine.FetchLogs("ttyUSB0")
	s.True(errors.Is(err, ErrNoData))
	s.Equal(1, s.tr.closed)
}

func (s *EngineTestSuite) TestFetchLogsClosesOnParseFailure() {
	s.tr.chunks = []chunk{s.afterWarmUp(0, "010124,120000,51.98,5.91,21.5;garbage")}

	_, err := s.engine.FetchLogs("ttyUSB0")
	s.True(errors.Is(err, ErrParse))
	s.Equal(1, s.tr.closed)
}

func (s *EngineTestSuite) TestFetchLogsYearCorrection() {
	cfg := DefaultConfig()
	cfg.Decode = DecodeOptions{BaseYear: 1900, YearCorrection: 100}
	engine := NewEngine(s.opener, cfg, WithClock(s.clock))
	s.tr.chunks = []chunk{s.afterWarmUp(0, "010124,120000,1,2,3;")}

	records, err := engine.FetchLogs("ttyUSB0")
	s.Require().NoError(err)
	s.Equal(2024, records[0].Timestamp.Year())
}

func (s *EngineTestSuite) TestOpenFailure() {
	s.opener.openErr = &device.OpenError{Port: "ttyUSB9", Reason: device.ReasonPermission, Err: fs.ErrPermission}

	_, err := s.engine.FetchLogs("ttyUSB9")
	s.Require().Error(err)
	s.True(errors.Is(err, ErrConnection))
	s.Equal("PermissionDenied", err.(*Error).Reason)
	s.Equal("Failed to open serial port: ttyUSB9, with error: PermissionDenied", Describe(err))
	s.Empty(s.clock.sleeps, "no warm-up without a port")
}

func (s *EngineTestSuite) TestWriteFailure() {
	s.tr.writeErr = fmt.Errorf("write /dev/ttyUSB0: %w", errors.New("i/o error"))

	err := s.engine.SendUnlock("ttyUSB0")
	s.True(errors.Is(err, ErrWrite))
	s.Equal(1, s.tr.closed)
}

func (s *EngineTestSuite) TestUploadCoordinates() {
	s.tr.chunks = []chunk{s.afterWarmUp(ms(300), string(DefaultAckToken))}
	coords := []Coordinate{{Latitude: 51.98, Longitude: 5.91}, {Latitude: 52, Longitude: 6}, {Latitude: 52.1, Longitude: 6.1}}

	err := s.engine.UploadCoordinates("ttyUSB0", coords)
	s.Require().NoError(err)
	s.Equal([][]byte{[]byte("@"), []byte("51.98,5.91,52,6,52.1,6.1\n\r")}, s.tr.written)
	s.Equal(1, s.tr.closed)
}

func (s *EngineTestSuite) TestUploadInvalidCoordinateNeverOpensPort() {
	err := s.engine.UploadCoordinates("ttyUSB0", []Coordinate{{Latitude: 91}})
	s.True(errors.Is(err, ErrInvalidCoordinate))
	s.Empty(s.opener.ports)
}

func (s *EngineTestSuite) TestUploadNotAcknowledged() {
	err := s.engine.UploadCoordinates("ttyUSB0", []Coordinate{{Latitude: 1, Longitude: 2}})
	s.True(errors.Is(err, ErrNotAcknowledged))
	s.Equal(1, s.tr.closed)
	s.Equal(50, s.tr.countWaits(time.Second))
}

func (s *EngineTestSuite) TestSendUnlock() {
	s.tr.chunks = []chunk{s.afterWarmUp(ms(900), string(DefaultAckToken))}

	s.Require().NoError(s.engine.SendUnlock("ttyUSB0"))
	s.Equal([][]byte{[]byte("%")}, s.tr.written)
	s.Equal(1, s.tr.closed)
}

func (s *EngineTestSuite) TestSendRawCommand() {
	s.tr.chunks = []chunk{s.afterWarmUp(ms(10), "v1.4")}

	frame, err := s.engine.SendRawCommand("ttyUSB0", []byte("?"))
	s.Require().NoError(err)
	s.Equal("v1.4", string(frame))
	s.Equal([][]byte{[]byte("?")}, s.tr.written)
	s.Equal(1, s.tr.closed)
}

func TestEngineTestSuite(t *testing.T) {
	suite.Run(t, new(EngineTestSuite))
}
