package mesh

import "strings"

// Topic categories fixed by the shared mesh naming scheme. Every topic
// is <namespace>/<tenant_id>/<vertical_id>/<category>/<id-or-wildcard>.
const (
	CategorySensors   = "sensors"
	CategoryOccupancy = "occupancy"
	CategoryCommands  = "commands"
)

// Wildcard is the MQTT single-level wildcard used for id slots.
const Wildcard = "+"

func scopedTopic(namespace, tenant, vertical, category, id string) string {
	return strings.Join([]string{namespace, tenant, vertical, category, id}, "/")
}

// SensorTopic returns the topic a specific sensor publishes on.
func SensorTopic(namespace, tenant, vertical, sensorID string) string {
	return scopedTopic(namespace, tenant, vertical, CategorySensors, sensorID)
}

// SensorWildcard returns the subscription filter covering every sensor
// in a tenant/vertical scope.
func SensorWildcard(namespace, tenant, vertical string) string {
	return scopedTopic(namespace, tenant, vertical, CategorySensors, Wildcard)
}

// OccupancyTopic returns the topic room state is broadcast on.
func OccupancyTopic(namespace, tenant, vertical, roomID string) string {
	return scopedTopic(namespace, tenant, vertical, CategoryOccupancy, roomID)
}

// OccupancyWildcard returns the filter covering all room broadcasts in
// a tenant/vertical scope.
func OccupancyWildcard(namespace, tenant, vertical string) string {
	return scopedTopic(namespace, tenant, vertical, CategoryOccupancy, Wildcard)
}

// CommandTopic returns the topic commands for a device are published on.
func CommandTopic(namespace, tenant, vertical, deviceID string) string {
	return scopedTopic(namespace, tenant, vertical, CategoryCommands, deviceID)
}

// MatchTopic reports whether an MQTT topic filter matches a concrete
// topic. "+" matches exactly one level; "#" matches the remainder and
// must be the final level of the filter.
func MatchTopic(filter, topic string) bool {
	if filter == topic {
		return true
	}

	fp := strings.Split(filter, "/")
	tp := strings.Split(topic, "/")

	for i, f := range fp {
		if f == "#" {
			return i == len(fp)-1
		}
		if i >= len(tp) {
			return false
		}
		if f != "+" && f != tp[i] {
			return false
		}
	}

	return len(fp) == len(tp)
}
