package ids

import (
	"strconv"
	"sync"
	"time"
)

// Snowflake-style ids: 41 bits of milliseconds since epochMS, nodeBits of
// node id, seqBits of per-millisecond counter. Ordered within one node,
// unique across nodes once SetNodeID is called with distinct values.
const (
	nodeBits = 10
	seqBits  = 12

	maxNodeID = (1 << nodeBits) - 1
	seqMask   = (1 << seqBits) - 1
	tsMask    = (1 << 41) - 1

	nodeShift = seqBits
	tsShift   = nodeBits + seqBits
)

// epochMS is 2024-01-01T00:00:00Z; ids stay positive until 2093.
var epochMS = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC).UnixMilli()

type generator struct {
	mu       sync.Mutex
	nodeID   int64
	seq      int64
	lastTSMS int64
}

var (
	defaultGen *generator
	once       sync.Once
)

func initDefault() {
	once.Do(func() {
		defaultGen = &generator{nodeID: 1}
	})
}

// Generate returns a new id.
func Generate() int64 {
	initDefault()
	return defaultGen.next()
}

func GenerateString() string {
	return strconv.FormatInt(Generate(), 10)
}

// SetNodeID sets the node id (0..maxNodeID); call once during startup.
// Out-of-range values fall back to node 1.
func SetNodeID(nodeID int64) {
	initDefault()
	if nodeID < 0 || nodeID > maxNodeID {
		nodeID = 1
	}
	defaultGen.nodeID = nodeID
}

func (g *generator) next() int64 {
	g.mu.Lock()
	defer g.mu.Unlock()

	for {
		now := time.Now().UnixMilli()
		if now < g.lastTSMS {
			// clock went backwards, wait it out
			time.Sleep(time.Duration(g.lastTSMS-now) * time.Millisecond)
			continue
		}
		if now == g.lastTSMS {
			g.seq = (g.seq + 1) & seqMask
			if g.seq == 0 {
				// counter exhausted inside this millisecond, spin to the next
				for now <= g.lastTSMS {
					now = time.Now().UnixMilli()
				}
			}
		} else {
			g.seq = 0
		}
		g.lastTSMS = now

		ts := (now - epochMS) & tsMask
		return ts<<tsShift | g.nodeID<<nodeShift | g.seq
	}
}
