package mocks

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"conversation-service/internal/changefeed"
	"conversation-service/internal/models"
	"conversation-service/internal/repositories"
)

// MemStore is an in-memory stand-in for the Postgres schema. Mutations are
// published to Feed the way the NOTIFY triggers publish them.
type MemStore struct {
	mu          sync.Mutex
	feed        *changefeed.Feed
	clock       time.Time
	users       map[int64]models.User
	teams       map[int64]models.Team
	teamMembers map[int64][]int64
	convs       map[int64]*models.Conversation
	parts       map[[2]int64]*models.Participant
	msgs        map[int64]*models.Message
	nextConv    int64
	nextMsg     int64
}

func NewMemStore(feed *changefeed.Feed) *MemStore {
	return &MemStore{
		feed:        feed,
		clock:       time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
		users:       map[int64]models.User{},
		teams:       map[int64]models.Team{},
		teamMembers: map[int64][]int64{},
		convs:       map[int64]*models.Conversation{},
		parts:       map[[2]int64]*models.Participant{},
		msgs:        map[int64]*models.Message{},
	}
}

func (s *MemStore) AddUser(u models.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *MemStore) AddTeam(t models.Team, memberIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.teams[t.ID] = t
	s.teamMembers[t.ID] = append([]int64(nil), memberIDs...)
}

func (s *MemStore) Conversations() repositories.ConversationRepository { return memConversations{s} }
func (s *MemStore) Messages() repositories.MessageRepository           { return memMessages{s} }
func (s *MemStore) Users() repositories.UserRepository                 { return memUsers{s} }

// MessageCount counts rows of a conversation, tombstones included.
func (s *MemStore) MessageCount(conversationID int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			n++
		}
	}
	return n
}

// ConversationCount counts conversations of a type.
func (s *MemStore) ConversationCount(t models.ConversationType) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.convs {
		if c.Type == t {
			n++
		}
	}
	return n
}

func (s *MemStore) now() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *MemStore) emit(table string, op changefeed.Op, row any) {
	if s.feed == nil {
		return
	}
	data, err := json.Marshal(row)
	if err != nil {
		return
	}
	s.feed.Publish(changefeed.Event{Table: table, Op: op, Row: data})
}

func (s *MemStore) addParticipantsLocked(conversationID int64, userIDs []int64) {
	for _, id := range userIDs {
		key := [2]int64{conversationID, id}
		if _, ok := s.parts[key]; ok {
			continue
		}
		p := &models.Participant{ConversationID: conversationID, UserID: id, JoinedAt: s.now()}
		s.parts[key] = p
		s.emit("participants", changefeed.OpInsert, p)
	}
}

func (s *MemStore) insertMessageLocked(in repositories.NewMessage) models.Message {
	s.nextMsg++
	now := s.now()
	m := &models.Message{
		ID:             s.nextMsg,
		ConversationID: in.ConversationID,
		SenderID:       in.SenderID,
		Content:        in.Content,
		ContentType:    in.ContentType,
		ReplyToID:      in.ReplyToID,
		IsSystem:       in.IsSystem,
		ClientRef:      in.ClientRef,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	if a := in.Attachment; a != nil {
		url, name, size, mime := a.URL, a.Name, a.Size, a.MimeType
		m.AttachmentURL, m.AttachmentName, m.AttachmentSize, m.AttachmentMime = &url, &name, &size, &mime
		if a.DurationSeconds > 0 {
			d := a.DurationSeconds
			m.DurationSeconds = &d
		}
	}
	s.msgs[m.ID] = m
	s.emit("messages", changefeed.OpInsert, m)

	if c, ok := s.convs[in.ConversationID]; ok && (c.LastMessageAt == nil || !c.LastMessageAt.After(now)) {
		preview := in.Preview
		c.LastMessageAt, c.LastMessagePreview = &now, &preview
		s.emit("conversations", changefeed.OpUpdate, c)
	}
	return *m
}

func (s *MemStore) conversationMessagesLocked(conversationID int64) []models.Message {
	var out []models.Message
	for _, m := range s.msgs {
		if m.ConversationID == conversationID {
			out = append(out, *m)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.After(out[j].CreatedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out
}

type memConversations struct{ s *MemStore }

func (r memConversations) GetOrCreateDirect(_ context.Context, userID, otherUserID int64) (models.Conversation, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := repositories.DirectKey(userID, otherUserID)
	for _, c := range s.convs {
		if c.DirectKey != nil && *c.DirectKey == key {
			s.addParticipantsLocked(c.ID, []int64{userID, otherUserID})
			return *c, false, nil
		}
	}
	s.nextConv++
	creator := userID
	c := &models.Conversation{ID: s.nextConv, Type: models.ConversationDirect, DirectKey: &key, CreatedBy: &creator, CreatedAt: s.now()}
	s.convs[c.ID] = c
	s.emit("conversations", changefeed.OpInsert, c)
	s.addParticipantsLocked(c.ID, []int64{userID, otherUserID})
	return *c, true, nil
}

func (r memConversations) GetOrCreateTeam(_ context.Context, teamID int64, title string, createdBy int64, memberIDs []int64) (models.Conversation, bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.convs {
		if c.TeamID != nil && *c.TeamID == teamID {
			s.addParticipantsLocked(c.ID, memberIDs)
			return *c, false, nil
		}
	}
	s.nextConv++
	tid, creator := teamID, createdBy
	c := &models.Conversation{ID: s.nextConv, Type: models.ConversationTeam, Title: &title, TeamID: &tid, CreatedBy: &creator, CreatedAt: s.now()}
	s.convs[c.ID] = c
	s.emit("conversations", changefeed.OpInsert, c)
	s.addParticipantsLocked(c.ID, memberIDs)
	return *c, true, nil
}

func (r memConversations) Create(_ context.Context, in repositories.NewConversation) (models.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextConv++
	title, creator := in.Title, in.CreatedBy
	c := &models.Conversation{ID: s.nextConv, Type: in.Type, Title: &title, CreatedBy: &creator, CreatedAt: s.now()}
	s.convs[c.ID] = c
	s.emit("conversations", changefeed.OpInsert, c)
	s.addParticipantsLocked(c.ID, in.MemberIDs)
	if in.InitialMessage != nil {
		first := *in.InitialMessage
		first.ConversationID = c.ID
		s.insertMessageLocked(first)
	}
	return *c, nil
}

func (r memConversations) GetConversation(_ context.Context, conversationID int64) (models.Conversation, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.convs[conversationID]
	if !ok {
		return models.Conversation{}, repositories.ErrConversationNotFound
	}
	return *c, nil
}

func (r memConversations) ListForUser(_ context.Context, userID int64) ([]models.ConversationRow, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var rows []models.ConversationRow
	for key, p := range s.parts {
		if key[1] != userID {
			continue
		}
		c := s.convs[key[0]]
		row := models.ConversationRow{Conversation: *c, IsPinned: p.IsPinned, IsMuted: p.IsMuted}
		for _, m := range s.msgs {
			if m.ConversationID == c.ID && m.ID > p.LastReadMessageID && (m.SenderID == nil || *m.SenderID != userID) {
				row.UnreadCount++
			}
		}
		var peer *int64
		for other := range s.parts {
			if other[0] == c.ID && other[1] != userID && (peer == nil || other[1] < *peer) {
				id := other[1]
				peer = &id
			}
		}
		row.PeerID = peer
		rows = append(rows, row)
	}
	return rows, nil
}

func (r memConversations) GetParticipant(_ context.Context, conversationID, userID int64) (models.Participant, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[[2]int64{conversationID, userID}]
	if !ok {
		return models.Participant{}, repositories.ErrNotParticipant
	}
	return *p, nil
}

func (r memConversations) ParticipantIDs(_ context.Context, conversationID int64) ([]int64, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for key := range s.parts {
		if key[0] == conversationID {
			ids = append(ids, key[1])
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r memConversations) RemoveParticipant(_ context.Context, conversationID, userID int64) error {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	key := [2]int64{conversationID, userID}
	if p, ok := s.parts[key]; ok {
		delete(s.parts, key)
		s.emit("participants", changefeed.OpDelete, p)
	}
	return nil
}

func (r memConversations) TogglePin(_ context.Context, conversationID, userID int64) (bool, error) {
	return r.toggle(conversationID, userID, func(p *models.Participant) *bool { return &p.IsPinned })
}

func (r memConversations) ToggleMute(_ context.Context, conversationID, userID int64) (bool, error) {
	return r.toggle(conversationID, userID, func(p *models.Participant) *bool { return &p.IsMuted })
}

func (r memConversations) toggle(conversationID, userID int64, field func(*models.Participant) *bool) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[[2]int64{conversationID, userID}]
	if !ok {
		return false, repositories.ErrNotParticipant
	}
	f := field(p)
	*f = !*f
	s.emit("participants", changefeed.OpUpdate, p)
	return *f, nil
}

func (r memConversations) MarkRead(_ context.Context, conversationID, userID int64) (bool, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.parts[[2]int64{conversationID, userID}]
	if !ok {
		return false, nil
	}
	var latest int64
	for _, m := range s.msgs {
		if m.ConversationID == conversationID && m.ID > latest {
			latest = m.ID
		}
	}
	if p.LastReadMessageID >= latest {
		return false, nil
	}
	now := s.now()
	p.LastReadMessageID, p.LastReadAt = latest, &now
	s.emit("participants", changefeed.OpUpdate, p)
	return true, nil
}

type memMessages struct{ s *MemStore }

func (r memMessages) Create(_ context.Context, in repositories.NewMessage) (models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	if _, ok := r.s.convs[in.ConversationID]; !ok {
		return models.Message{}, repositories.ErrConversationNotFound
	}
	if in.ClientRef != nil {
		for _, m := range r.s.msgs {
			if m.ConversationID != in.ConversationID || m.ClientRef == nil || *m.ClientRef != *in.ClientRef {
				continue
			}
			if m.SenderID == nil || in.SenderID == nil || *m.SenderID != *in.SenderID {
				return models.Message{}, repositories.ErrClientRefTaken
			}
			return *m, repositories.ErrDuplicateMessage
		}
	}
	return r.s.insertMessageLocked(in), nil
}

func (r memMessages) ListPage(_ context.Context, conversationID int64, limit, offset int) ([]models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	all := r.s.conversationMessagesLocked(conversationID)
	if offset >= len(all) {
		return nil, nil
	}
	end := offset + limit
	if end > len(all) {
		end = len(all)
	}
	return append([]models.Message(nil), all[offset:end]...), nil
}

func (r memMessages) Count(_ context.Context, conversationID int64) (int, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	return len(r.s.conversationMessagesLocked(conversationID)), nil
}

func (r memMessages) GetMessage(_ context.Context, messageID int64) (models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	m, ok := r.s.msgs[messageID]
	if !ok {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	return *m, nil
}

func (r memMessages) GetMessages(_ context.Context, messageIDs []int64) ([]models.Message, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var out []models.Message
	for _, id := range messageIDs {
		if m, ok := r.s.msgs[id]; ok {
			out = append(out, *m)
		}
	}
	return out, nil
}

func (r memMessages) Edit(_ context.Context, messageID, senderID int64, content, preview string) (models.Message, error) {
	return r.mutate(messageID, senderID, preview, func(m *models.Message) bool {
		if m.IsDeleted {
			return false
		}
		m.Content, m.IsEdited = content, true
		return true
	})
}

func (r memMessages) SoftDelete(_ context.Context, messageID, senderID int64, preview string) (models.Message, error) {
	return r.mutate(messageID, senderID, preview, func(m *models.Message) bool {
		m.IsDeleted = true
		return true
	})
}

func (r memMessages) mutate(messageID, senderID int64, preview string, apply func(*models.Message) bool) (models.Message, error) {
	s := r.s
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.msgs[messageID]
	if !ok || m.SenderID == nil || *m.SenderID != senderID || !apply(m) {
		return models.Message{}, repositories.ErrMessageNotFound
	}
	m.UpdatedAt = s.now()
	s.emit("messages", changefeed.OpUpdate, m)
	if latest := s.conversationMessagesLocked(m.ConversationID); len(latest) > 0 && latest[0].ID == m.ID {
		c := s.convs[m.ConversationID]
		p := preview
		c.LastMessagePreview = &p
		s.emit("conversations", changefeed.OpUpdate, c)
	}
	return *m, nil
}

type memUsers struct{ s *MemStore }

func (r memUsers) GetUsers(_ context.Context, userIDs []int64) ([]models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	out := []models.User{}
	for _, id := range userIDs {
		if u, ok := r.s.users[id]; ok {
			out = append(out, u)
		}
	}
	return out, nil
}

func (r memUsers) GetUser(_ context.Context, userID int64) (models.User, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	u, ok := r.s.users[userID]
	if !ok {
		return models.User{}, repositories.ErrUserNotFound
	}
	return u, nil
}

func (r memUsers) ActiveUserIDs(_ context.Context, role string) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []int64
	for _, u := range r.s.users {
		if u.IsActive && (role == "" || u.Role == role) {
			ids = append(ids, u.ID)
		}
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, nil
}

func (r memUsers) GetTeam(_ context.Context, teamID int64) (models.Team, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	t, ok := r.s.teams[teamID]
	if !ok {
		return models.Team{}, repositories.ErrTeamNotFound
	}
	return t, nil
}

func (r memUsers) TeamMemberIDs(_ context.Context, teamID int64) ([]int64, error) {
	r.s.mu.Lock()
	defer r.s.mu.Unlock()
	var ids []int64
	for _, id := range r.s.teamMembers[teamID] {
		if u, ok := r.s.users[id]; ok && u.IsActive {
			ids = append(ids, id)
		}
	}
	return ids, nil
}
