package configurations

import (
	"fmt"
	"strconv"
	"strings"
)

type NodeID int

func (id NodeID) String() string {
	return strconv.Itoa(int(id))
}

type CSState string

const (
	StateReleased CSState = "RELEASED"
	StateWanted   CSState = "WANTED"
	StateHeld     CSState = "HELD"
)

type MessageType string

const (
	MsgRequest MessageType = "REQUEST"
	MsgReply   MessageType = "REPLY"
	MsgInsert  MessageType = "INSERT"
	MsgSuccess MessageType = "SUCCESS"
	MsgRelease MessageType = "RELEASE"
)

// Message is the single wire type exchanged between nodes. Timestamp is only
// meaningful for REQUEST; Key and Value only for INSERT. Clock is the
// sender's Lamport clock at send time and is present on every message.
type Message struct {
	Type      MessageType
	From      NodeID
	Timestamp uint64
	Clock     uint64
	Key       string
	Value     string
}

func (m Message) String() string {
	switch m.Type {
	case MsgRequest:
		return fmt.Sprintf("REQUEST %d %d", m.Timestamp, m.From)
	case MsgInsert:
		return fmt.Sprintf("INSERT %s %s %d", m.Key, m.Value, m.From)
	default:
		return fmt.Sprintf("%s %d", m.Type, m.From)
	}
}

// Coordinator command RPC payloads.
type InsertArgs struct {
	Key   string
	Value string
}

type InsertReply struct {
	Success bool
	Msg     string
}

type LookupArgs struct {
	Key string
}

type LookupReply struct {
	Key   string
	Value string
	Found bool
}

type Pair struct {
	Key   string
	Value string
}

type DictionaryReply struct {
	Pairs []Pair
}

// FormatDictionary renders pairs the way the coordinator logs a dictionary
// command, e.g. {'5': 'A-', '6': 'B+'}.
func FormatDictionary(pairs []Pair) string {
	items := make([]string, 0, len(pairs))
	for _, p := range pairs {
		items = append(items, fmt.Sprintf("'%s': '%s'", p.Key, p.Value))
	}
	return "{" + strings.Join(items, ", ") + "}"
}
