package conv

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/samber/lo"
)

func joinInts(v []int) string {
	return strings.Join(lo.Map(v, func(x, _ int) string { return strconv.Itoa(x) }), ",")
}

// Fingerprint returns the deterministic identifier of the kernels generated
// for this configuration on the named device. Tuning parameters are not part
// of it: two engines with the same fingerprint can share tuned parameters.
//
// Format:
//
//	CONV_<in>_<in>_<out>_<device>_<n>D_IN[..]_OUT[..]_K[..]_S[..]_P[..]_D[..]_FIN[..]_FOUT[..]_G[..]
func (c Config) Fingerprint(deviceName string) string {
	var sb strings.Builder
	name := c.DataType.String()
	fmt.Fprintf(&sb, "CONV_%s_%s_%s_", name, name, name)
	sb.WriteString(deviceName)
	fmt.Fprintf(&sb, "_%dD_", c.NumAxes())
	fmt.Fprintf(&sb, "IN[%s]_", joinInts(c.InShape))
	fmt.Fprintf(&sb, "OUT[%s]_", joinInts(c.OutShape))
	fmt.Fprintf(&sb, "K[%s]_", joinInts(c.Kernel))
	fmt.Fprintf(&sb, "S[%s]_", joinInts(c.Stride))
	fmt.Fprintf(&sb, "P[%s]_", joinInts(c.Pad))
	fmt.Fprintf(&sb, "D[%s]_", joinInts(c.Dilation))
	fmt.Fprintf(&sb, "FIN[%d]_", c.FmapsIn)
	fmt.Fprintf(&sb, "FOUT[%d]_", c.FmapsOut)
	fmt.Fprintf(&sb, "G[%d]", c.Group)
	return sb.String()
}
