package fanout

import (
	"fmt"
	"time"

	"trading-engine/internal/model"
)

// Kind is the entity class a topic is keyed on.
type Kind uint8

const (
	KindAuction Kind = iota + 1
	KindNegotiation
	KindConversation
	KindUser
	KindRole
)

var kindNames = map[Kind]string{
	KindAuction:      "auction",
	KindNegotiation:  "negotiation",
	KindConversation: "conversation",
	KindUser:         "user",
	KindRole:         "role",
}

func (k Kind) String() string {
	if s, ok := kindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("kind(%d)", uint8(k))
}

func ParseKind(s string) (Kind, error) {
	for k, name := range kindNames {
		if name == s {
			return k, nil
		}
	}
	return 0, fmt.Errorf("unknown topic kind %q", s)
}

func (k Kind) MarshalText() ([]byte, error) {
	if _, ok := kindNames[k]; !ok {
		return nil, fmt.Errorf("unknown topic kind %d", uint8(k))
	}
	return []byte(k.String()), nil
}

func (k *Kind) UnmarshalText(b []byte) error {
	parsed, err := ParseKind(string(b))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Topic is a typed subscription key. Two topics are equal only when both
// kind and id match, so an auction and a user sharing an id never collide.
type Topic struct {
	Kind Kind   `json:"kind"`
	ID   string `json:"id"`
}

func AuctionTopic(id string) Topic      { return Topic{Kind: KindAuction, ID: id} }
func NegotiationTopic(id string) Topic  { return Topic{Kind: KindNegotiation, ID: id} }
func ConversationTopic(id string) Topic { return Topic{Kind: KindConversation, ID: id} }
func UserTopic(id string) Topic         { return Topic{Kind: KindUser, ID: id} }
func RoleTopic(r model.Role) Topic      { return Topic{Kind: KindRole, ID: string(r)} }

func (t Topic) Valid() bool {
	_, ok := kindNames[t.Kind]
	return ok && t.ID != ""
}

func (t Topic) String() string { return t.Kind.String() + ":" + t.ID }

// Event is one state change as delivered to observers.
type Event struct {
	Name     string    `json:"type"`
	Topic    Topic     `json:"topic"`
	EntityID string    `json:"entity_id"`
	Status   string    `json:"status,omitempty"`
	Version  int64     `json:"version,omitempty"`
	At       time.Time `json:"at"`
	Data     any       `json:"data,omitempty"`
}
