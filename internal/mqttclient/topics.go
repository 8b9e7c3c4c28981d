package mqttclient

import (
	"fmt"
	"strings"
)

// StatusFilter is the subscription filter for every desk unit's status topic.
func StatusFilter(namespace string) string {
	return fmt.Sprintf("%s/faculty/+/status", namespace)
}

// StatusTopic is the topic a desk unit publishes its presence on.
func StatusTopic(namespace, deviceID string) string {
	return fmt.Sprintf("%s/faculty/%s/status", namespace, deviceID)
}

// RequestTopic is the topic consultation requests for a desk unit are published on.
func RequestTopic(namespace, deviceID string) string {
	return fmt.Sprintf("%s/faculty/%s/requests", namespace, deviceID)
}

// IsStatusTopic reports whether topic matches StatusFilter(namespace).
func IsStatusTopic(namespace, topic string) bool {
	parts := strings.Split(topic, "/")
	return len(parts) == 4 &&
		parts[0] == namespace &&
		parts[1] == "faculty" &&
		parts[2] != "" &&
		parts[3] == "status"
}
