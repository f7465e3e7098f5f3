package session

// Sample is one pupil measurement taken while recording
type Sample struct {
	ElapsedMs int64 `json:"elapsedMs"`
	Diameter  int   `json:"diameter"`
}

// Samples maps elapsed milliseconds to diameter, and remembers insertion order.
// Writing to an existing key replaces its value but keeps its position.
type Samples struct {
	order []int64
	value map[int64]int
}

func (s *Samples) Set(elapsedMs int64, diameter int) {
	if s.value == nil {
		s.value = map[int64]int{}
	}
	if _, ok := s.value[elapsedMs]; !ok {
		s.order = append(s.order, elapsedMs)
	}
	s.value[elapsedMs] = diameter
}

func (s *Samples) Len() int {
	return len(s.order)
}

// Rows returns the samples in insertion order
func (s *Samples) Rows() []Sample {
	rows := make([]Sample, 0, len(s.order))
	for _, k := range s.order {
		rows = append(rows, Sample{ElapsedMs: k, Diameter: s.value[k]})
	}
	return rows
}

func (s *Samples) Reset() {
	s.order = nil
	s.value = nil
}
