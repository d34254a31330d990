package resources

import (
	"runtime"

	"github.com/dustin/go-humanize"
	logging "github.com/ipfs/go-log/v2"
	"github.com/pbnjay/memory"
)

var logger = logging.Logger("harmonytask")

// Resources describes what this machine, or one task, uses.
type Resources struct {
	Cpu int
	Ram uint64
}

// Probe reads the machine's CPU count and free memory.
func Probe() Resources {
	res := Resources{
		Cpu: runtime.NumCPU(),
		Ram: memory.FreeMemory(),
	}
	if res.Ram == 0 {
		res.Ram = memory.TotalMemory()
	}
	logger.Debugw("probed machine resources", "cpu", res.Cpu, "ram", humanize.IBytes(res.Ram))
	return res
}

// Capacity is how many tasks costing cost fit on r at once. Zero fields in
// cost are not limiting; a zero cost falls back to one task per CPU.
func (r Resources) Capacity(cost Resources) int {
	if cost.Cpu <= 0 && cost.Ram == 0 {
		return max(r.Cpu, 1)
	}
	n := -1
	if cost.Cpu > 0 {
		n = r.Cpu / cost.Cpu
	}
	if cost.Ram > 0 {
		byRam := int(r.Ram / cost.Ram)
		if n < 0 || byRam < n {
			n = byRam
		}
	}
	return max(n, 1)
}
