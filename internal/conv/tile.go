package conv

// TileParams is a resolved tuning assignment for one mode.
type TileParams struct {
	WorkgroupSize0 int // threads along N
	WorkgroupSize1 int // threads along M
	TSK            int
	TSKUnroll      int
	WPTM           int
	WPTN           int
	VWM            int
	VWN            int
	PadA           int
	PadB           int
	VectorUnroll   bool
}

// DefaultTileParams returns the default assignment of every tuning parameter.
func DefaultTileParams() TileParams {
	return TileParams{
		WorkgroupSize0: 16,
		WorkgroupSize1: 16,
		TSK:            8,
		TSKUnroll:      1,
		WPTM:           4,
		WPTN:           4,
		VWM:            4,
		VWN:            4,
		VectorUnroll:   true,
	}
}

// TileSet holds one assignment per mode.
type TileSet [NumModes]TileParams

// DefaultTileSet returns the default assignment for all modes.
func DefaultTileSet() TileSet {
	return TileSet{DefaultTileParams(), DefaultTileParams(), DefaultTileParams()}
}

// TSM is the tile size in M.
func (p TileParams) TSM() int { return p.WPTM * p.WorkgroupSize1 }

// TSN is the tile size in N.
func (p TileParams) TSN() int { return p.WPTN * p.WorkgroupSize0 }

// RTSM is the reduced tile size in M.
func (p TileParams) RTSM() int { return p.WorkgroupSize1 }

// RTSN is the reduced tile size in N.
func (p TileParams) RTSN() int { return p.WorkgroupSize0 }

// Threads is the number of threads in one workgroup.
func (p TileParams) Threads() int { return p.WorkgroupSize0 * p.WorkgroupSize1 }

// LPTA is the number of A-tile loads per thread. It equals
// TSK*TSM/(RTSM*RTSN) when that divides evenly and rounds up otherwise;
// loaders guard the row index so the rounded-up loads stay inside the tile.
func (p TileParams) LPTA() int { return ceilDiv(p.TSK*p.TSM(), p.Threads()) }

// LPTB is the number of B-tile loads per thread, see LPTA.
func (p TileParams) LPTB() int { return ceilDiv(p.TSK*p.TSN(), p.Threads()) }

// NumTiles returns the number of K tiles, rounded up to the next even count.
// Odd tile counts miscompute on at least one driver/OS pairing.
func (p TileParams) NumTiles(k int) int {
	return ((k-1)/(p.TSK*2) + 1) * 2
}

// Grid returns the number of workgroups along N and M for the given GEMM.
func (p TileParams) Grid(g GEMM) (x, y int) {
	return ceilDiv(g.N, p.TSN()), ceilDiv(g.M, p.TSM())
}

// LocalMemoryElements returns the element count of the Asub and Bsub staging buffers.
func (p TileParams) LocalMemoryElements() int {
	return p.TSM()*(p.TSK+p.PadA) + p.TSK*(p.TSN()+p.PadB)
}

func ceilDiv(a, b int) int {
	return (a-1)/b + 1
}
