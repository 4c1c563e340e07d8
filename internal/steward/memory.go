package steward

import (
	"encoding/json"
	"log/slog"
	"os"
	"time"
)

const maxRecords = 10

// CycleRecord captures what happened in a single steward cycle.
type CycleRecord struct {
	Time        time.Time `json:"time"`
	Action      string    `json:"action"`
	Level       string    `json:"level"`
	Imbalance   float64   `json:"imbalance"`
	Quarantined int       `json:"quarantined"`
	Rationale   string    `json:"rationale,omitempty"`
}

// CycleMemory keeps the most recent cycle records on disk.
type CycleMemory struct {
	Records []CycleRecord `json:"records"`
	path    string
}

// LoadMemory reads path. A missing or unreadable file yields empty memory.
func LoadMemory(path string) *CycleMemory {
	mem := &CycleMemory{path: path}
	data, err := os.ReadFile(path)
	if err != nil {
		return mem
	}
	if err := json.Unmarshal(data, mem); err != nil {
		slog.Warn("steward memory corrupted, starting fresh", "error", err)
		return &CycleMemory{path: path}
	}
	return mem
}

// Save writes the memory through a temp file so a crash never leaves a
// half-written record list behind.
func (m *CycleMemory) Save() {
	if m.path == "" {
		return
	}
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		slog.Error("steward memory not encoded", "error", err)
		return
	}
	tmp := m.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0644); err != nil {
		slog.Error("steward memory not written", "path", tmp, "error", err)
		return
	}
	if err := os.Rename(tmp, m.path); err != nil {
		slog.Error("steward memory not replaced", "path", m.path, "error", err)
	}
}

// Record adds a cycle record, trimming to maxRecords.
func (m *CycleMemory) Record(r CycleRecord) {
	m.Records = append(m.Records, r)
	if len(m.Records) > maxRecords {
		m.Records = m.Records[len(m.Records)-maxRecords:]
	}
}

// Last returns the newest record.
func (m *CycleMemory) Last() (CycleRecord, bool) {
	if len(m.Records) == 0 {
		return CycleRecord{}, false
	}
	return m.Records[len(m.Records)-1], true
}
