package mqtt

import (
	"strings"
)

// DefaultTopicPrefix is used when no prefix is configured.
const DefaultTopicPrefix = "dispatchd"

// Topics builds the dispatchd topic hierarchy under a configurable prefix:
//
//	{prefix}/device/{device}/command   commands to one device
//	{prefix}/device/{device}/reply     replies from one device
//	{prefix}/system/status             dispatchd online/offline (retained)
type Topics struct {
	prefix string
}

// NewTopics returns a topic builder rooted at prefix.
// Trailing slashes are trimmed; an empty prefix uses DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.TrimRight(prefix, "/")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{prefix: prefix}
}

// Prefix returns the root of the hierarchy.
func (t Topics) Prefix() string {
	return t.prefix
}

// DeviceCommand returns the topic a device listens on for commands.
//
// Example: dispatchd/device/acu-17/command
func (t Topics) DeviceCommand(device string) string {
	return t.prefix + "/device/" + device + "/command"
}

// DeviceReply returns the topic a device publishes its replies on.
//
// Example: dispatchd/device/acu-17/reply
func (t Topics) DeviceReply(device string) string {
	return t.prefix + "/device/" + device + "/reply"
}

// AllDeviceReplies returns the wildcard subscription for every device reply.
//
// Example: dispatchd/device/+/reply
func (t Topics) AllDeviceReplies() string {
	return t.DeviceReply("+")
}

// SystemStatus returns the retained status topic used for the LWT.
func (t Topics) SystemStatus() string {
	return t.prefix + "/system/status"
}

// DeviceFromReply extracts the device id from a reply topic.
// It returns false if topic is not a reply topic under this prefix.
func (t Topics) DeviceFromReply(topic string) (string, bool) {
	rest, ok := strings.CutPrefix(topic, t.prefix+"/device/")
	if !ok {
		return "", false
	}
	device, ok := strings.CutSuffix(rest, "/reply")
	if !ok || device == "" || strings.Contains(device, "/") {
		return "", false
	}
	return device, true
}

// ValidDeviceSegment reports whether id can be embedded in a topic as a
// single level: non-empty with no separators or wildcards.
func ValidDeviceSegment(id string) bool {
	return id != "" && !strings.ContainsAny(id, "/+#")
}
