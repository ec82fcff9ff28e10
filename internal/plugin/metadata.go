package plugin

import (
	"math/bits"
	"strconv"
	"strings"
	"time"
)

// MaxLabel is the highest packet label.
const MaxLabel = 31

// LabelSet is a set of packet labels 0 to MaxLabel.
type LabelSet uint32

// Labels builds a set from individual labels. Out of range labels are
// ignored.
func Labels(labels ...int) LabelSet {
	var s LabelSet
	for _, l := range labels {
		s = s.With(l)
	}
	return s
}

// With returns the set with label added.
func (s LabelSet) With(label int) LabelSet {
	if label < 0 || label > MaxLabel {
		return s
	}
	return s | 1<<uint(label)
}

// Without returns the set with label removed.
func (s LabelSet) Without(label int) LabelSet {
	if label < 0 || label > MaxLabel {
		return s
	}
	return s &^ (1 << uint(label))
}

// Has reports whether label is in the set.
func (s LabelSet) Has(label int) bool {
	return label >= 0 && label <= MaxLabel && s&(1<<uint(label)) != 0
}

// Any reports whether the two sets intersect.
func (s LabelSet) Any(other LabelSet) bool { return s&other != 0 }

// Len returns the number of labels in the set.
func (s LabelSet) Len() int { return bits.OnesCount32(uint32(s)) }

func (s LabelSet) String() string {
	var parts []string
	for l := 0; l <= MaxLabel; l++ {
		if s.Has(l) {
			parts = append(parts, strconv.Itoa(l))
		}
	}
	return "{" + strings.Join(parts, ",") + "}"
}

// Metadata travels with each packet slot of the processor buffer.
type Metadata struct {
	Labels LabelSet
	// InputTime is the arrival time when the input knows it.
	InputTime time.Time
	// Flush asks the processor stage to pass the packets processed so far.
	Flush bool
	// BitrateChanged asks the stage to query the plugin bitrate.
	BitrateChanged bool
	// InputStuffing marks null packets added by the input stage.
	InputStuffing bool
	// Nullified marks packets turned into null packets by a processor.
	Nullified bool
}

// Reset clears the metadata for a new packet.
func (m *Metadata) Reset() { *m = Metadata{} }
