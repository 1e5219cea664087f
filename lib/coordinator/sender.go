package coordinator

import (
	"context"
	"strings"

	"github.com/ValentinKolb/dTablet/lib/store"
	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// InboxPrefix is the key prefix of the coordinator inbox in the coordination store
const InboxPrefix = "coordinator/inbox/"

// Sender delivers a message to the coordinator
type Sender interface {
	Send(ctx context.Context, m Message) error
}

// StoreSender writes messages to the coordinator inbox in the coordination store.
// Keys are time ordered (uuid v7), so the coordinator reads them in send order.
type StoreSender struct {
	store  store.IStore
	server string
}

// NewStoreSender creates a sender for messages of server
func NewStoreSender(s store.IStore, server string) *StoreSender {
	return &StoreSender{store: s, server: server}
}

func (s *StoreSender) Send(_ context.Context, m Message) error {
	b, err := Encode(s.server, m)
	if err != nil {
		return err
	}
	id, err := uuid.NewV7()
	if err != nil {
		return errors.Wrap(err, "message id")
	}
	return s.store.Set(InboxPrefix+id.String(), b)
}

// InboxMessage is a message read from the inbox
type InboxMessage struct {
	Key     string
	Server  string
	Message Message
}

// ReadInbox returns up to limit messages of the inbox in send order (limit 0 = all).
// Messages that can not be decoded are skipped.
func ReadInbox(s store.IStore, limit int) ([]InboxMessage, error) {
	kvs, err := s.Scan(InboxPrefix, limit)
	if err != nil {
		return nil, err
	}
	res := make([]InboxMessage, 0, len(kvs))
	for _, kv := range kvs {
		server, m, err := Decode(kv.Value)
		if err != nil {
			Logger.Warningf("skipping message %s: %v", strings.TrimPrefix(kv.Key, InboxPrefix), err)
			continue
		}
		res = append(res, InboxMessage{Key: kv.Key, Server: server, Message: m})
	}
	return res, nil
}

// Ack removes a processed message from the inbox
func Ack(s store.IStore, key string) error {
	return s.Delete(key)
}
