package policy

import (
	fasthex "github.com/tmthrgd/go-hex"
	"golang.org/x/crypto/sha3"
)

// Event is an on-chain event category that can make cached results stale.
type Event uint8

const (
	EventUnknown Event = iota
	Transfer
	Approval
	ApprovalForAll
	OwnershipTransferred

	eventCount
)

// Topic is a 32-byte log topic.
type Topic [32]byte

func (t Topic) String() string {
	return "0x" + fasthex.EncodeToString(t[:])
}

type eventInfo struct {
	name      string
	signature string
	targets   []Function
}

var eventTable = [eventCount]eventInfo{
	Transfer: {
		name:      "Transfer",
		signature: "Transfer(address,address,uint256)",
		targets:   []Function{BalanceOf, OwnerOf, TotalSupply},
	},
	Approval: {
		name:      "Approval",
		signature: "Approval(address,address,uint256)",
		targets:   []Function{GetApproved},
	},
	ApprovalForAll: {
		name:      "ApprovalForAll",
		signature: "ApprovalForAll(address,address,bool)",
		targets:   []Function{IsApprovedForAll},
	},
	OwnershipTransferred: {
		name:      "OwnershipTransferred",
		signature: "OwnershipTransferred(address,address)",
		targets:   []Function{Owner, ContractOwner},
	},
}

var eventTopics, eventsByTopic = func() ([eventCount]Topic, map[Topic]Event) {
	var topics [eventCount]Topic
	byTopic := make(map[Topic]Event, eventCount)
	for e := Transfer; e < eventCount; e++ {
		topics[e] = Keccak256([]byte(eventTable[e].signature))
		byTopic[topics[e]] = e
	}
	return topics, byTopic
}()

// Keccak256 hashes data the way the EVM does for selectors and topics.
func Keccak256(data ...[]byte) (h Topic) {
	hasher := sha3.NewLegacyKeccak256()
	for _, b := range data {
		_, _ = hasher.Write(b)
	}
	hasher.Sum(h[:0])
	return h
}

// MonitoredEvents lists every event category the monitor watches.
func MonitoredEvents() []Event {
	out := make([]Event, 0, eventCount-1)
	for e := Transfer; e < eventCount; e++ {
		out = append(out, e)
	}
	return out
}

func (e Event) Valid() bool {
	return e > EventUnknown && e < eventCount
}

func (e Event) String() string {
	if !e.Valid() {
		return "unknown"
	}
	return eventTable[e].name
}

func (e Event) Signature() string {
	if !e.Valid() {
		return ""
	}
	return eventTable[e].signature
}

// Topic is the event's topic0, keccak256 of its canonical signature.
func (e Event) Topic() Topic {
	if !e.Valid() {
		return Topic{}
	}
	return eventTopics[e]
}

// ClassifyTopic maps a log's topic0 to its event. Unknown topics return false.
func ClassifyTopic(topic0 [32]byte) (Event, bool) {
	e, ok := eventsByTopic[Topic(topic0)]
	return e, ok
}

// InvalidationTargets lists the functions whose cached results an event can stale.
func InvalidationTargets(e Event) []Function {
	if !e.Valid() {
		return nil
	}
	return eventTable[e].targets
}

// UnionTargets merges the invalidation targets of several events, keeping
// first-seen order.
func UnionTargets(events ...Event) []Function {
	var seen [functionCount]bool
	var out []Function
	for _, e := range events {
		for _, f := range InvalidationTargets(e) {
			if !seen[f] {
				seen[f] = true
				out = append(out, f)
			}
		}
	}
	return out
}
