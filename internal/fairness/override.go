//go:build !crashtest

package fairness

// Override returns point unchanged. Forcing a crash point is only possible in
// binaries built with the crashtest tag.
func Override(point int64) (int64, bool) {
	return point, false
}
