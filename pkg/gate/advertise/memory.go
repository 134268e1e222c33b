package advertise

import "sync"

// MemoryPublisher keeps broadcasts in process. It records every record ever
// published and which one, if any, is live.
type MemoryPublisher struct {
	mu      sync.Mutex
	history []Record
	live    *Record
	seq     int

	// Err, if set, is returned by Publish.
	Err error
}

func NewMemoryPublisher() *MemoryPublisher {
	return &MemoryPublisher{}
}

func (m *MemoryPublisher) Publish(rec Record) (func(), error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.Err != nil {
		return nil, m.Err
	}

	m.seq++
	id := m.seq
	m.history = append(m.history, rec)
	m.live = &rec

	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if m.seq == id {
			m.live = nil
		}
	}, nil
}

// Live returns the broadcast currently on the air.
func (m *MemoryPublisher) Live() (Record, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.live == nil {
		return Record{}, false
	}
	return *m.live, true
}

// History returns every published record in order.
func (m *MemoryPublisher) History() []Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]Record(nil), m.history...)
}
