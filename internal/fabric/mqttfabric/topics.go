package mqttfabric

import (
	"strconv"
	"strings"
)

// topics builds the MQTT topic names of one domain.
type topics struct {
	prefix string
	domain int
}

func (t topics) base() string {
	return strings.Trim(t.prefix, "/") + "/" + strconv.Itoa(t.domain)
}

// data is where payloads for a fabric topic are published.
func (t topics) data(topic string) string {
	return t.base() + "/" + strings.Trim(topic, "/")
}

func (t topics) availability(node string) string {
	return t.base() + "/nodes/" + node + "/availability"
}

func (t topics) advert(node, topic string) string {
	return t.base() + "/graph/" + node + "/" + strings.Trim(topic, "/")
}
