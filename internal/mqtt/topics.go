package mqtt

import "strings"

// Topic shapes under a namespace:
//
//	<ns>/sensors/{sensorId}            raw telemetry
//	<ns>/devices/{deviceId}/ack        command acknowledgments
//	<ns>/devices/{deviceId}/status     device status reports
//	<ns>/actuators/{deviceId}/{cmd}    outbound commands
//	<ns>/system/agrowatch/status       retained service availability

// SensorFilter returns the subscription filter for telemetry
func SensorFilter(namespace string) string {
	return namespace + "/sensors/+"
}

// AckFilter returns the subscription filter for acknowledgments
func AckFilter(namespace string) string {
	return namespace + "/devices/+/ack"
}

// StatusFilter returns the subscription filter for device status reports
func StatusFilter(namespace string) string {
	return namespace + "/devices/+/status"
}

// AvailabilityTopic returns the retained service availability topic
func AvailabilityTopic(namespace string) string {
	return namespace + "/system/agrowatch/status"
}

// validSegment rejects empty segments and MQTT wildcards
func validSegment(s string) bool {
	return s != "" && !strings.ContainsAny(s, "+#")
}
