package mqtt

import (
	"fmt"
	"strings"
)

// DefaultTopicPrefix is the topic root when none is configured.
const DefaultTopicPrefix = "shellbridge"

// Topic actions carried as the last level of an inbound accessory topic.
const (
	ActionSet      = "set"
	ActionGet      = "get"
	ActionIdentify = "identify"
)

// Topics builds the bridge's topic tree under one prefix:
//
//	{prefix}/system/status
//	{prefix}/bridge/config
//	{prefix}/accessory/{id}/config
//	{prefix}/accessory/{id}/service
//	{prefix}/accessory/{id}/reachable
//	{prefix}/accessory/{id}/identify
//	{prefix}/accessory/{id}/char/{characteristic}
//	{prefix}/accessory/{id}/char/{characteristic}/set
//	{prefix}/accessory/{id}/char/{characteristic}/get
//	{prefix}/response/{request_id}
//
// {id} is TopicID of the accessory name.
type Topics struct {
	Prefix string
}

// NewTopics returns a builder rooted at prefix, or DefaultTopicPrefix.
func NewTopics(prefix string) Topics {
	prefix = strings.Trim(prefix, "/ ")
	if prefix == "" {
		prefix = DefaultTopicPrefix
	}
	return Topics{Prefix: prefix}
}

func (t Topics) root() string {
	if t.Prefix == "" {
		return DefaultTopicPrefix
	}
	return t.Prefix
}

// SystemStatus is the retained online/offline topic, also used for the LWT.
func (t Topics) SystemStatus() string {
	return t.root() + "/system/status"
}

// BridgeConfig carries the retained description of the bridge itself.
func (t Topics) BridgeConfig() string {
	return t.root() + "/bridge/config"
}

// AccessoryConfig carries the retained accessory description.
func (t Topics) AccessoryConfig(id string) string {
	return fmt.Sprintf("%s/accessory/%s/config", t.root(), id)
}

// AccessoryService carries the retained exposed flag.
func (t Topics) AccessoryService(id string) string {
	return fmt.Sprintf("%s/accessory/%s/service", t.root(), id)
}

// AccessoryReachable carries the retained reachability flag.
func (t Topics) AccessoryReachable(id string) string {
	return fmt.Sprintf("%s/accessory/%s/reachable", t.root(), id)
}

// Identify receives identify requests.
func (t Topics) Identify(id string) string {
	return fmt.Sprintf("%s/accessory/%s/%s", t.root(), id, ActionIdentify)
}

// Characteristic carries the retained value of one characteristic.
func (t Topics) Characteristic(id, kind string) string {
	return fmt.Sprintf("%s/accessory/%s/char/%s", t.root(), id, kind)
}

// CharacteristicSet receives set requests.
func (t Topics) CharacteristicSet(id, kind string) string {
	return t.Characteristic(id, kind) + "/" + ActionSet
}

// CharacteristicGet receives get requests.
func (t Topics) CharacteristicGet(id, kind string) string {
	return t.Characteristic(id, kind) + "/" + ActionGet
}

// Response carries the outcome of a request that named a request id.
func (t Topics) Response(requestID string) string {
	return fmt.Sprintf("%s/response/%s", t.root(), requestID)
}

// AllSets matches every set request.
func (t Topics) AllSets() string {
	return t.root() + "/accessory/+/char/+/" + ActionSet
}

// AllGets matches every get request.
func (t Topics) AllGets() string {
	return t.root() + "/accessory/+/char/+/" + ActionGet
}

// AllIdentify matches every identify request.
func (t Topics) AllIdentify() string {
	return t.root() + "/accessory/+/" + ActionIdentify
}

// AllTopics matches the whole tree. Use with care.
func (t Topics) AllTopics() string {
	return t.root() + "/#"
}

// InboundTopic is a parsed request topic.
type InboundTopic struct {
	ID             string
	Characteristic string // empty for identify
	Action         string
}

// ParseInbound splits a set, get or identify topic. ok is false for any
// other topic, including ones under a different prefix.
func (t Topics) ParseInbound(topic string) (InboundTopic, bool) {
	rest, found := strings.CutPrefix(topic, t.root()+"/accessory/")
	if !found {
		return InboundTopic{}, false
	}
	parts := strings.Split(rest, "/")

	switch {
	case len(parts) == 2 && parts[1] == ActionIdentify && parts[0] != "":
		return InboundTopic{ID: parts[0], Action: ActionIdentify}, true
	case len(parts) == 4 && parts[1] == "char" && parts[0] != "" && parts[2] != "":
		if parts[3] != ActionSet && parts[3] != ActionGet {
			return InboundTopic{}, false
		}
		return InboundTopic{ID: parts[0], Characteristic: parts[2], Action: parts[3]}, true
	default:
		return InboundTopic{}, false
	}
}

// TopicID turns an accessory name into a single topic level: lower case,
// runs of spaces and separators collapsed to one dash, and the MQTT
// wildcards removed.
func TopicID(name string) string {
	var b strings.Builder
	dash := false
	for _, r := range strings.ToLower(strings.TrimSpace(name)) {
		switch {
		case r == '+' || r == '#':
			continue
		case r == ' ' || r == '/' || r == '\t' || r == '-' || r == '_':
			dash = b.Len() > 0
		default:
			if dash {
				b.WriteByte('-')
				dash = false
			}
			b.WriteRune(r)
		}
	}
	return b.String()
}
