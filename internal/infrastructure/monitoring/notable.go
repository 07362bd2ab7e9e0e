package monitoring

import (
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/GriffinCanCode/AgentOS/skykernel/internal/infrastructure/logging"
)

// DefaultNotableLimit bounds the number of retained notable errors.
const DefaultNotableLimit = 256

// NotableEntry is one recorded notable error.
type NotableEntry struct {
	Time      time.Time `json:"time"`
	Component string    `json:"component"`
	Message   string    `json:"message"`
}

// Notable collects errors that indicate a bug in a module or in the kernel
// rather than an ordinary failed query: double responses, handler panics,
// duplicate ready signals. Entries are logged at error level, counted and
// kept in a bounded ring for inspection. A nil *Notable is valid.
type Notable struct {
	mu      sync.Mutex
	entries []NotableEntry
	next    int
	total   int
	limit   int

	metrics *Metrics
	logger  *zap.Logger
}

// NewNotable creates a notable error tracker. A non-positive limit selects
// DefaultNotableLimit.
func NewNotable(limit int, metrics *Metrics, logger *zap.Logger) *Notable {
	if limit <= 0 {
		limit = DefaultNotableLimit
	}
	logger = logging.OrNop(logger)
	return &Notable{
		entries: make([]NotableEntry, 0, limit),
		limit:   limit,
		metrics: metrics,
		logger:  logger,
	}
}

// Record logs and retains a notable error.
func (n *Notable) Record(component, message string, fields ...zap.Field) {
	if n == nil {
		return
	}
	n.logger.Error(message, append(fields, zap.String("component", component), zap.Bool("notable", true))...)
	if n.metrics != nil {
		n.metrics.NotableErrors.WithLabelValues(component).Inc()
	}

	entry := NotableEntry{Time: time.Now(), Component: component, Message: message}

	n.mu.Lock()
	defer n.mu.Unlock()
	n.total++
	if len(n.entries) < n.limit {
		n.entries = append(n.entries, entry)
		return
	}
	n.entries[n.next] = entry
	n.next = (n.next + 1) % n.limit
}

// Entries returns the retained entries, oldest first.
func (n *Notable) Entries() []NotableEntry {
	if n == nil {
		return nil
	}
	n.mu.Lock()
	defer n.mu.Unlock()

	out := make([]NotableEntry, 0, len(n.entries))
	out = append(out, n.entries[n.next:]...)
	out = append(out, n.entries[:n.next]...)
	return out
}

// Total returns the number of notable errors recorded, including evicted ones.
func (n *Notable) Total() int {
	if n == nil {
		return 0
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.total
}
