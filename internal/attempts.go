package internal

import (
	"strconv"
	"strings"
)

// PriorAttempts converts an ApproximateReceiveCount, which counts the current delivery,
// into the number of earlier deliveries. Missing or malformed values count as a first delivery.
func PriorAttempts(approximateReceiveCount string) int {
	n, err := strconv.Atoi(strings.TrimSpace(approximateReceiveCount))
	if err != nil || n <= 1 {
		return 0
	}
	return n - 1
}
