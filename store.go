package wanthave

import (
	"cmp"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ConversationStore holds the current user's conversation list and the visible
// message sequence of the selected conversation. Messages for any other
// conversation only update that conversation's preview.
type ConversationStore struct {
	log zerolog.Logger

	mu            sync.Mutex
	conversations []Conversation
	selected      int64
	messages      []Message
	intentUsed    bool
}

// NewConversationStore creates an empty store.
func NewConversationStore(logger zerolog.Logger) *ConversationStore {
	return &ConversationStore{log: logger.With().Str("component", "store").Logger()}
}

// SetConversations replaces the list with a fresh snapshot, keeping the local
// unread flag of conversations that were already known.
func (s *ConversationStore) SetConversations(convs []Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()

	unread := make(map[int64]bool, len(s.conversations))
	for _, c := range s.conversations {
		if c.Unread {
			unread[c.ID] = true
		}
	}
	s.conversations = make([]Conversation, len(convs))
	for i, c := range convs {
		c.Unread = c.Unread || (unread[c.ID] && c.ID != s.selected)
		s.conversations[i] = c
	}
}

// Upsert stores one conversation, replacing the entry with the same id or
// prepending it.
func (s *ConversationStore) Upsert(conv Conversation) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(conv.ID); i >= 0 {
		conv.Unread = s.conversations[i].Unread
		s.conversations[i] = conv
		return
	}
	s.conversations = append([]Conversation{conv}, s.conversations...)
}

// Conversations returns a copy of the list, most recent activity first.
func (s *ConversationStore) Conversations() []Conversation {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Conversation(nil), s.conversations...)
}

// Conversation returns one conversation by id.
func (s *ConversationStore) Conversation(id int64) (Conversation, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		return s.conversations[i], true
	}
	return Conversation{}, false
}

// Select makes id the active conversation. The visible sequence is cleared
// until history is applied, and the conversation's unread flag is reset.
func (s *ConversationStore) Select(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = id
	s.messages = nil
	if i := s.indexLocked(id); i >= 0 {
		s.conversations[i].Unread = false
	}
}

// Selected returns the active conversation id, or zero.
func (s *ConversationStore) Selected() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.selected
}

// Deselect clears the active conversation and its visible sequence.
func (s *ConversationStore) Deselect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.selected = 0
	s.messages = nil
}

// ApplyHistory installs the backfilled history of the selected conversation.
// Live messages that arrived before the snapshot are kept and deduplicated
// against it. History for any other conversation is ignored and false
// returned.
func (s *ConversationStore) ApplyHistory(conversationID int64, history []Message) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID != s.selected {
		s.log.Debug().Int64("conversation_id", conversationID).Int64("selected", s.selected).Msg("dropping history for unselected conversation")
		return false
	}

	merged := make([]Message, 0, len(history)+len(s.messages))
	merged = append(merged, history...)
	for _, live := range s.messages {
		if !slices.ContainsFunc(history, func(h Message) bool { return sameMessage(h, live) }) {
			merged = append(merged, live)
		}
	}
	sortMessages(merged)
	s.messages = merged
	return true
}

// ApplyMessage routes a live message. It is appended to the visible sequence
// only when it belongs to the selected conversation; for any other
// conversation only the preview changes and the unread flag is set. A message
// from self confirms the oldest pending entry with the same content instead of
// being added twice. Reports whether the visible sequence changed.
func (s *ConversationStore) ApplyMessage(msg Message, self int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if msg.Status == "" {
		msg.Status = MessageConfirmed
	}
	s.touchLocked(msg, msg.ConversationID != s.selected && msg.SenderID != self)

	if msg.ConversationID != s.selected || s.selected == 0 {
		return false
	}

	if msg.SenderID == self {
		for i, m := range s.messages {
			if m.Status == MessagePending && m.SenderID == msg.SenderID && m.Content == msg.Content {
				msg.ClientID = m.ClientID
				if msg.Timestamp.IsZero() {
					msg.Timestamp = m.Timestamp
				}
				s.messages[i] = msg
				sortMessages(s.messages)
				return true
			}
		}
	}

	if slices.ContainsFunc(s.messages, func(m Message) bool { return sameMessage(m, msg) }) {
		return false
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now().UTC()
	}
	s.messages = append(s.messages, msg)
	sortMessages(s.messages)
	return true
}

// AppendPending adds a local, unconfirmed message to the selected
// conversation.
func (s *ConversationStore) AppendPending(conversationID, senderID int64, content string) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if conversationID == 0 || conversationID != s.selected {
		return Message{}, ErrNoConversation
	}
	msg := Message{
		ClientID:       uuid.NewString(),
		ConversationID: conversationID,
		SenderID:       senderID,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		Status:         MessagePending,
	}
	s.messages = append(s.messages, msg)
	return msg, nil
}

// Messages returns a copy of the visible sequence.
func (s *ConversationStore) Messages() []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Message(nil), s.messages...)
}

// Remove drops a conversation and reports whether it was the selected one.
func (s *ConversationStore) Remove(id int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i := s.indexLocked(id); i >= 0 {
		s.conversations = slices.Delete(s.conversations, i, i+1)
	}
	if s.selected == id {
		s.selected = 0
		s.messages = nil
		return true
	}
	return false
}

// ConsumeIntent returns true the first time it is called after ResetIntent.
func (s *ConversationStore) ConsumeIntent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.intentUsed {
		return false
	}
	s.intentUsed = true
	return true
}

// ResetIntent rearms ConsumeIntent for a new view entry.
func (s *ConversationStore) ResetIntent() {
	s.mu.Lock()
	s.intentUsed = false
	s.mu.Unlock()
}

// Reset clears everything.
func (s *ConversationStore) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conversations = nil
	s.selected = 0
	s.messages = nil
	s.intentUsed = false
}

// touchLocked updates the preview and moves the conversation to the front.
func (s *ConversationStore) touchLocked(msg Message, unread bool) {
	i := s.indexLocked(msg.ConversationID)
	if i < 0 {
		s.log.Debug().Int64("conversation_id", msg.ConversationID).Msg("message for unknown conversation")
		return
	}
	conv := s.conversations[i]
	preview := msg
	conv.LastMessage = &preview
	if unread {
		conv.Unread = true
	}
	copy(s.conversations[1:i+1], s.conversations[:i])
	s.conversations[0] = conv
}

func (s *ConversationStore) indexLocked(id int64) int {
	return slices.IndexFunc(s.conversations, func(c Conversation) bool { return c.ID == id })
}

// sameMessage matches by server id when both sides have one, otherwise by
// sender, content and timestamp.
func sameMessage(a, b Message) bool {
	if a.ID != 0 && b.ID != 0 {
		return a.ID == b.ID
	}
	return a.SenderID == b.SenderID && a.Content == b.Content && a.Timestamp.Equal(b.Timestamp)
}

func sortMessages(msgs []Message) {
	slices.SortStableFunc(msgs, func(a, b Message) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		return cmp.Compare(a.ID, b.ID)
	})
}
