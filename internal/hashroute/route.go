package hashroute

import (
	"hash/fnv"
	"strings"
)

// DefaultPartitions is the worker fan-out used when a caller does not size it.
const DefaultPartitions = 16

// CanonicalizeDeviceKey normalizes incoming device keys before hashing so that
// "Sensor-1" and " sensor-1 " land on the same worker.
func CanonicalizeDeviceKey(deviceKey string) string {
	return strings.ToLower(strings.TrimSpace(deviceKey))
}

// PartitionFor maps a device key onto one of n workers. Messages of one device
// always reach the same worker, which keeps their relative order on Put.
func PartitionFor(deviceKey string, n int) int {
	if n <= 1 {
		return 0
	}
	h := fnv.New64a()
	_, _ = h.Write([]byte(CanonicalizeDeviceKey(deviceKey)))
	return int(h.Sum64() % uint64(n))
}
