package chat

// Usage holds normalized token accounting for one turn or an aggregate.
// Input excludes cache reads on backends that double-count cached tokens
// inside the raw input total; adapters perform that correction before
// constructing a Usage value.
type Usage struct {
	Input      int     `json:"input"`
	Output     int     `json:"output"`
	CacheRead  int     `json:"cache_read,omitempty"`
	CacheWrite int     `json:"cache_write,omitempty"`
	Total      int     `json:"total"`
	Cost       float64 `json:"cost,omitempty"`
}

// Add accumulates another usage sample into u.
func (u *Usage) Add(other Usage) {
	u.Input += other.Input
	u.Output += other.Output
	u.CacheRead += other.CacheRead
	u.CacheWrite += other.CacheWrite
	u.Total += other.Total
	u.Cost += other.Cost
}

// NewUsage builds a Usage with Total derived from the parts.
func NewUsage(input, output, cacheRead, cacheWrite int) Usage {
	return Usage{
		Input:      input,
		Output:     output,
		CacheRead:  cacheRead,
		CacheWrite: cacheWrite,
		Total:      input + output + cacheRead + cacheWrite,
	}
}
