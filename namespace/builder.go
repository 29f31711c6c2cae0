// Package namespace provides utilities for constructing topic and key paths
// with consistent namespace prefixing across all services (MQTT, Valkey, Kafka).
package namespace

// Builder constructs namespace-prefixed topics and keys.
type Builder struct {
	namespace string
	selector  string
}

// New creates a new namespace builder.
func New(namespace, selector string) *Builder {
	return &Builder{
		namespace: namespace,
		selector:  selector,
	}
}

// --- MQTT (delimiter: /) ---

// MQTTTagTopic returns the topic for a tag value: {ns}[/{sel}]/{server}/tags/{tag}
func (b *Builder) MQTTTagTopic(server, tag string) string {
	return b.mqttBase() + "/" + server + "/tags/" + tag
}

// MQTTHealthTopic returns the topic for health status: {ns}[/{sel}]/{server}/health
func (b *Builder) MQTTHealthTopic(server string) string {
	return b.mqttBase() + "/" + server + "/health"
}

// MQTTWriteTopic returns the topic for write requests: {ns}[/{sel}]/{server}/write
func (b *Builder) MQTTWriteTopic(server string) string {
	return b.mqttBase() + "/" + server + "/write"
}

// MQTTWriteResponseTopic returns the topic for write responses: {ns}[/{sel}]/{server}/write/response
func (b *Builder) MQTTWriteResponseTopic(server string) string {
	return b.mqttBase() + "/" + server + "/write/response"
}

// MQTTBase returns the base topic for JSON messages: {ns}[/{sel}]
func (b *Builder) MQTTBase() string {
	return b.mqttBase()
}

func (b *Builder) mqttBase() string {
	if b.selector != "" {
		return b.namespace + "/" + b.selector
	}
	return b.namespace
}

// --- Valkey (delimiter: :) ---

// ValkeyBase returns the base key prefix: {ns}[:{sel}]
func (b *Builder) ValkeyBase() string {
	return b.valkeyBase()
}

// ValkeyTagKey returns the key for a tag value: {ns}[:{sel}]:{server}:tags:{tag}
func (b *Builder) ValkeyTagKey(server, tag string) string {
	return b.valkeyBase() + ":" + server + ":tags:" + tag
}

// ValkeyHealthKey returns the key for health status: {ns}[:{sel}]:{server}:health
func (b *Builder) ValkeyHealthKey(server string) string {
	return b.valkeyBase() + ":" + server + ":health"
}

// ValkeyChangesChannel returns the channel for server changes: {ns}[:{sel}]:{server}:changes
func (b *Builder) ValkeyChangesChannel(server string) string {
	return b.valkeyBase() + ":" + server + ":changes"
}

// ValkeyAllChangesChannel returns the channel for all changes: {ns}[:{sel}]:_all:changes
func (b *Builder) ValkeyAllChangesChannel() string {
	return b.valkeyBase() + ":_all:changes"
}

// ValkeyWriteQueue returns the queue key for write requests: {ns}[:{sel}]:writes
func (b *Builder) ValkeyWriteQueue() string {
	return b.valkeyBase() + ":writes"
}

// ValkeyWriteResponseChannel returns the channel for write responses: {ns}[:{sel}]:write:responses
func (b *Builder) ValkeyWriteResponseChannel() string {
	return b.valkeyBase() + ":write:responses"
}

func (b *Builder) valkeyBase() string {
	if b.selector != "" {
		return b.namespace + ":" + b.selector
	}
	return b.namespace
}

// --- Kafka (delimiter: - for topics, . for health) ---

// KafkaTagTopic returns the topic for tag values: {ns}[-{sel}]
func (b *Builder) KafkaTagTopic() string {
	return b.kafkaBase()
}

// KafkaHealthTopic returns the topic for health status: {ns}[-{sel}].health
func (b *Builder) KafkaHealthTopic() string {
	return b.kafkaBase() + ".health"
}

// KafkaWriteTopic returns the topic for write requests: {ns}[-{sel}]-writes
func (b *Builder) KafkaWriteTopic() string {
	return b.kafkaBase() + "-writes"
}

// KafkaWriteResponseTopic returns the topic for write responses: {ns}[-{sel}]-write-responses
func (b *Builder) KafkaWriteResponseTopic() string {
	return b.kafkaBase() + "-write-responses"
}

func (b *Builder) kafkaBase() string {
	if b.selector != "" {
		return b.namespace + "-" + b.selector
	}
	return b.namespace
}
