package connect

import (
	"time"

	"github.com/beevik/ntp"
)

// TimeSource abstracts where "true" wall-clock time comes from, so the
// external clock-sync path can be fed by NTP in production and by a fixed
// clock in tests.
type TimeSource interface {
	Now() (time.Time, error)
}

// SystemSource trusts the local clock.
type SystemSource struct{}

func (SystemSource) Now() (time.Time, error) { return time.Now(), nil }

// NTPSource queries an NTP server.
type NTPSource struct {
	Server string
}

// DefaultNTPServer is queried when no server is configured.
const DefaultNTPServer = "pool.ntp.org"

func (s NTPSource) Now() (time.Time, error) {
	server := s.Server
	if server == "" {
		server = DefaultNTPServer
	}
	return ntp.Time(server)
}

// FixedSource returns a constant instant, for tests.
type FixedSource struct {
	T time.Time
}

func (s FixedSource) Now() (time.Time, error) { return s.T, nil }
