package stats

import (
	"sort"
	"sync"
)

type Stage string

const (
	StageIMAP     Stage = "imap"
	StageClassify Stage = "classify"
	StageImage    Stage = "image"
	StageAmazon   Stage = "amazon"
	StageRunner   Stage = "runner"
)

type EventType string

const (
	EventTypeSearched    EventType = "searched"
	EventTypeFetched     EventType = "fetched"
	EventTypeMatched     EventType = "matched"
	EventTypeDecodeError EventType = "decode_error"
	EventTypeSensor      EventType = "sensor"
	EventTypeError       EventType = "error"
)

type Event struct {
	Stage  Stage
	Type   EventType
	Sensor string
	Err    error
	Detail string
}

type Summary struct {
	Searches     int
	Fetches      int
	Matches      int
	DecodeErrors int
	Sensors      int
	Errors       int
	LastError    error
	PerStage     map[Stage]int
}

func (s Summary) LogAttrs() []any {
	attrs := []any{
		"searches", s.Searches,
		"fetches", s.Fetches,
		"matches", s.Matches,
		"decodeErrors", s.DecodeErrors,
		"sensors", s.Sensors,
		"errors", s.Errors,
	}
	stages := make([]string, 0, len(s.PerStage))
	for stage := range s.PerStage {
		stages = append(stages, string(stage))
	}
	sort.Strings(stages)
	for _, stage := range stages {
		attrs = append(attrs, "stage."+stage, s.PerStage[Stage(stage)])
	}
	if s.LastError != nil {
		attrs = append(attrs, "lastError", s.LastError.Error())
	}
	return attrs
}

// Collector accumulates events for a single run. The Amazon download may
// finish after the run, so Record is safe for concurrent use.
type Collector struct {
	mu      sync.Mutex
	summary Summary
}

func NewCollector() *Collector {
	return &Collector{summary: Summary{PerStage: make(map[Stage]int)}}
}

func (c *Collector) Record(evt Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if evt.Stage != "" {
		c.summary.PerStage[evt.Stage]++
	}
	switch evt.Type {
	case EventTypeSearched:
		c.summary.Searches++
	case EventTypeFetched:
		c.summary.Fetches++
	case EventTypeMatched:
		c.summary.Matches++
	case EventTypeDecodeError:
		c.summary.DecodeErrors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	case EventTypeSensor:
		c.summary.Sensors++
	case EventTypeError:
		c.summary.Errors++
		if evt.Err != nil {
			c.summary.LastError = evt.Err
		}
	}
}

func (c *Collector) Snapshot() Summary {
	c.mu.Lock()
	defer c.mu.Unlock()
	summary := c.summary
	summary.PerStage = make(map[Stage]int, len(c.summary.PerStage))
	for k, v := range c.summary.PerStage {
		summary.PerStage[k] = v
	}
	return summary
}
