package executor

import (
	"sync"

	"github.com/comfygate/comfygate/internal/protocol"
)

// EventType classifies executor callbacks.
type EventType string

const (
	// EventProgress reports fractional job progress.
	EventProgress EventType = "progress"
	// EventPreview carries a live preview image as a data URI.
	EventPreview EventType = "preview"
	// EventOutput carries a decoded media artifact.
	EventOutput EventType = "output"
	// EventMetadata carries a text-metadata key/value from the worker.
	EventMetadata EventType = "metadata"
)

// Event is one callback from a running job.
type Event struct {
	Type EventType

	// Progress fields.
	Overall float64
	Current float64
	// Preview holds one-time preview metadata on the first progress event.
	Preview map[string]interface{}

	// PreviewDataURI is set on preview events.
	PreviewDataURI string

	// Media is set on output events.
	Media *Media

	// Metadata fields.
	Key   string
	Value string
}

// Media is one decoded output artifact.
type Media struct {
	Kind       protocol.MediaKind
	Format     string
	BatchIndex int
	Data       []byte

	// Intermediate marks media streamed from a non-final graph node.
	Intermediate bool

	// GenTimeSeconds is set on final artifacts: time from the job's
	// execution_start to artifact collection.
	GenTimeSeconds float64
}

// Stream adapts the callback contract to a channel. The returned function
// is a valid onEvent argument; closeFn must be called once Run returns.
func Stream(buffer int) (ch <-chan Event, onEvent func(Event), closeFn func()) {
	events := make(chan Event, buffer)
	return events, func(ev Event) { events <- ev }, func() { close(events) }
}

// MetadataHandler consumes a text-metadata value for its registered key. It
// may emit events of its own.
type MetadataHandler func(value string, emit func(Event))

var (
	metaMu       sync.RWMutex
	metaHandlers = map[string]MetadataHandler{}
)

// RegisterMetadataHandler routes text-metadata frames with the given key to
// fn instead of the default namespaced metadata event.
func RegisterMetadataHandler(key string, fn MetadataHandler) {
	metaMu.Lock()
	defer metaMu.Unlock()
	metaHandlers[key] = fn
}

func metadataHandler(key string) (MetadataHandler, bool) {
	metaMu.RLock()
	defer metaMu.RUnlock()
	fn, ok := metaHandlers[key]
	return fn, ok
}
