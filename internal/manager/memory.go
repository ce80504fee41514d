package manager

import "github.com/prometheus/procfs"

// residentMemoryBytes reports this process's RSS, or 0 when /proc is not
// available.
func residentMemoryBytes() uint64 {
	p, err := procfs.Self()
	if err != nil {
		return 0
	}
	st, err := p.Stat()
	if err != nil {
		return 0
	}
	rss := st.ResidentMemory()
	if rss < 0 {
		return 0
	}
	return uint64(rss)
}
