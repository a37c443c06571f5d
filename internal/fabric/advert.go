package fabric

import (
	"encoding/json"
	"sort"
	"sync"
)

// Advert announces a publisher to the rest of the graph. Broker backends
// publish it when a handle is created, withdraw it when the handle
// closes, and repeat every live advert after a reconnect.
type Advert struct {
	Participant string `json:"participant,omitempty"`
	Node        string `json:"node"`
	Topic       string `json:"topic"`
	Type        string `json:"type"`
	Reliability string `json:"reliability"`
	Depth       int    `json:"depth"`
	Encoding    string `json:"encoding"`
}

// NewAdvert describes a publisher of typeName on topic.
func NewAdvert(participant, node, topic, typeName string, qos QoS, encoding string) Advert {
	qos = qos.normalized()
	return Advert{
		Participant: participant,
		Node:        node,
		Topic:       topic,
		Type:        typeName,
		Reliability: qos.Reliability.String(),
		Depth:       qos.Depth,
		Encoding:    encoding,
	}
}

// Marshal encodes the advert as JSON.
func (a Advert) Marshal() ([]byte, error) {
	return json.Marshal(a)
}

// AdvertSet tracks the live adverts of one node, keyed by topic.
type AdvertSet struct {
	mu      sync.Mutex
	adverts map[string]Advert
}

// Add records a; a later advert for the same topic replaces it.
func (s *AdvertSet) Add(a Advert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.adverts == nil {
		s.adverts = make(map[string]Advert)
	}
	s.adverts[a.Topic] = a
}

// Remove forgets the advert for topic.
func (s *AdvertSet) Remove(topic string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.adverts, topic)
}

// List returns the live adverts sorted by topic.
func (s *AdvertSet) List() []Advert {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Advert, 0, len(s.adverts))
	for _, a := range s.adverts {
		out = append(out, a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Topic < out[j].Topic })
	return out
}
