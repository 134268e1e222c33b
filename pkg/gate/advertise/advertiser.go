// Package advertise broadcasts the device status on the local network so
// clients can discover it, and browses for such broadcasts.
package advertise

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/marmos91/dittogate/internal/logger"
)

const (
	DefaultInstance = "DittoGate-SecureNAS"
	DefaultService  = "_dittogate._tcp"
	DefaultDomain   = "local."
)

// Status is the advertised device status.
type Status string

const (
	StatusAdvertising Status = "advertising"
	StatusActive      Status = "active"
)

// Record is one advertisement. Clients is only meaningful when Status is
// StatusActive.
type Record struct {
	Status    Status
	Clients   int
	Timestamp time.Time
}

// TXT encodes the record as DNS-SD TXT strings.
func (r Record) TXT() []string {
	txt := []string{"status=" + string(r.Status)}
	if r.Status == StatusActive {
		txt = append(txt, "clients="+strconv.Itoa(r.Clients))
	}
	return append(txt, "timestamp="+strconv.FormatInt(r.Timestamp.Unix(), 10))
}

// ParseTXT decodes TXT strings produced by Record.TXT. Unknown keys are
// ignored; a missing status is an error.
func ParseTXT(txt []string) (Record, error) {
	var rec Record
	for _, kv := range txt {
		key, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		switch key {
		case "status":
			rec.Status = Status(value)
		case "clients":
			n, err := strconv.Atoi(value)
			if err != nil {
				return Record{}, fmt.Errorf("invalid clients %q: %w", value, err)
			}
			rec.Clients = n
		case "timestamp":
			ts, err := strconv.ParseInt(value, 10, 64)
			if err != nil {
				return Record{}, fmt.Errorf("invalid timestamp %q: %w", value, err)
			}
			rec.Timestamp = time.Unix(ts, 0)
		}
	}
	if rec.Status == "" {
		return Record{}, fmt.Errorf("advertisement has no status")
	}
	return rec, nil
}

// Publisher puts a record on the network until the returned stop function
// is called.
type Publisher interface {
	Publish(rec Record) (stop func(), err error)
}

// Advertiser keeps at most one broadcast live. Every start replaces the
// previous broadcast.
type Advertiser struct {
	publisher Publisher
	now       func() time.Time

	mu      sync.Mutex
	stop    func()
	current *Record
}

// New creates an Advertiser that is not broadcasting.
func New(publisher Publisher) *Advertiser {
	if publisher == nil {
		panic("advertise publisher cannot be nil")
	}
	return &Advertiser{publisher: publisher, now: time.Now}
}

// StartAdvertising broadcasts that the device awaits a client.
func (a *Advertiser) StartAdvertising() error {
	return a.start(Record{Status: StatusAdvertising})
}

// StartActive broadcasts that the device serves clients.
func (a *Advertiser) StartActive(clients int) error {
	return a.start(Record{Status: StatusActive, Clients: clients})
}

func (a *Advertiser) start(rec Record) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.stopLocked()

	rec.Timestamp = a.now()
	stop, err := a.publisher.Publish(rec)
	if err != nil {
		return fmt.Errorf("publish %s advertisement: %w", rec.Status, err)
	}

	a.stop = stop
	a.current = &rec
	logger.Info("Advertiser: broadcasting %s", strings.Join(rec.TXT(), ","))
	return nil
}

// Stop ends the current broadcast. Nothing happens when none is live.
func (a *Advertiser) Stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopLocked()
}

func (a *Advertiser) stopLocked() {
	if a.stop == nil {
		return
	}
	a.stop()
	a.stop = nil
	a.current = nil
	logger.Debug("Advertiser: broadcast stopped")
}

// Current returns the live record, if any.
func (a *Advertiser) Current() (Record, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.current == nil {
		return Record{}, false
	}
	return *a.current, true
}
