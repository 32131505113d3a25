package storage

import (
	"encoding/binary"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"talktime/internal/models"
)

var (
	bucketUsers          = []byte("users")
	bucketUsernames      = []byte("usernames")
	bucketFriendRequests = []byte("friend_requests")
	bucketRequestPairs   = []byte("request_pairs")
	bucketFriendships    = []byte("friendships")
	bucketChats          = []byte("chats")
	bucketPrivatePairs   = []byte("private_pairs")
	bucketParticipants   = []byte("participants")
	bucketUserChats      = []byte("user_chats")
	bucketMessages       = []byte("messages")
)

// BboltStorage is the single source of truth for all durable entities.
// bbolt serializes writes (one Update transaction at a time), so every
// uniqueness invariant checked inside an Update is atomic: one pending
// request per ordered pair, one friendship per pair, one private chat
// per pair.
type BboltStorage struct {
	db *bbolt.DB
}

func NewBboltStorage(path string) (*BboltStorage, error) {
	db, err := bbolt.Open(path, 0600, &bbolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("failed to open bbolt db: %w", err)
	}

	buckets := [][]byte{
		bucketUsers,
		bucketUsernames,
		bucketFriendRequests,
		bucketRequestPairs,
		bucketFriendships,
		bucketChats,
		bucketPrivatePairs,
		bucketParticipants,
		bucketUserChats,
		bucketMessages,
	}
	err = db.Update(func(tx *bbolt.Tx) error {
		for _, name := range buckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create buckets: %w", err)
	}

	return &BboltStorage{db: db}, nil
}

func (s *BboltStorage) Close() error {
	return s.db.Close()
}

// pairKey builds the canonical key for an unordered user pair.
func pairKey(a, b string) []byte {
	if b < a {
		a, b = b, a
	}
	return []byte(a + "|" + b)
}

// orderedPairKey keeps sender and receiver distinct: a request A->B does not
// collide with B->A.
func orderedPairKey(sender, receiver string) []byte {
	return []byte(sender + "|" + receiver)
}

// CreateUser stores a new user. Username may be empty for identity-provider
// accounts; non-empty usernames must be unique.
func (s *BboltStorage) CreateUser(username, displayName, avatarRef string) (models.User, error) {
	user := models.User{
		ID:          uuid.NewString(),
		Username:    username,
		DisplayName: displayName,
		AvatarRef:   avatarRef,
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if username != "" {
			names := tx.Bucket(bucketUsernames)
			if names.Get([]byte(username)) != nil {
				return fmt.Errorf("username %q already taken: %w", username, models.ErrInvalidInput)
			}
			if err := names.Put([]byte(username), []byte(user.ID)); err != nil {
				return err
			}
		}
		dbUser := &DBUser{
			ID:          user.ID,
			Username:    user.Username,
			DisplayName: user.DisplayName,
			AvatarRef:   user.AvatarRef,
			CreatedAt:   time.Now().Unix(),
		}
		data, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketUsers).Put(dbUser.Key(), data)
	})
	if err != nil {
		return models.User{}, err
	}
	return user, nil
}

func getUser(tx *bbolt.Tx, id string) (models.User, error) {
	data := tx.Bucket(bucketUsers).Get([]byte(id))
	if data == nil {
		return models.User{}, fmt.Errorf("user %s: %w", id, models.ErrNotFound)
	}
	var dbUser DBUser
	if err := dbUser.UnmarshalBinary(data); err != nil {
		return models.User{}, fmt.Errorf("failed to unmarshal user: %w", err)
	}
	return models.User{
		ID:          dbUser.ID,
		Username:    dbUser.Username,
		DisplayName: dbUser.DisplayName,
		AvatarRef:   dbUser.AvatarRef,
	}, nil
}

func (s *BboltStorage) GetUser(id string) (models.User, error) {
	var user models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		user, err = getUser(tx, id)
		return err
	})
	return user, err
}

// FindUsers returns users whose username or display name contains the query,
// case-insensitively.
func (s *BboltStorage) FindUsers(query string) ([]models.User, error) {
	query = strings.ToLower(query)
	var users []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketUsers).ForEach(func(k, v []byte) error {
			var dbUser DBUser
			if err := dbUser.UnmarshalBinary(v); err != nil {
				return err
			}
			if strings.Contains(strings.ToLower(dbUser.Username), query) ||
				strings.Contains(strings.ToLower(dbUser.DisplayName), query) {
				users = append(users, models.User{
					ID:          dbUser.ID,
					Username:    dbUser.Username,
					DisplayName: dbUser.DisplayName,
					AvatarRef:   dbUser.AvatarRef,
				})
			}
			return nil
		})
	})
	return users, err
}

// UpdateProfile replaces the display name and, when non-empty, the avatar
// reference of an existing user.
func (s *BboltStorage) UpdateProfile(id, displayName, avatarRef string) (models.User, error) {
	var user models.User
	err := s.db.Update(func(tx *bbolt.Tx) error {
		b := tx.Bucket(bucketUsers)
		data := b.Get([]byte(id))
		if data == nil {
			return fmt.Errorf("user %s: %w", id, models.ErrNotFound)
		}
		var dbUser DBUser
		if err := dbUser.UnmarshalBinary(data); err != nil {
			return err
		}
		dbUser.DisplayName = displayName
		if avatarRef != "" {
			dbUser.AvatarRef = avatarRef
		}
		updated, err := dbUser.MarshalBinary()
		if err != nil {
			return err
		}
		if err := b.Put(dbUser.Key(), updated); err != nil {
			return err
		}
		user = models.User{
			ID:          dbUser.ID,
			Username:    dbUser.Username,
			DisplayName: dbUser.DisplayName,
			AvatarRef:   dbUser.AvatarRef,
		}
		return nil
	})
	return user, err
}

// CreateFriendRequest stores a pending request. A second request for the same
// ordered (sender, receiver) pair fails with ErrDuplicateRequest.
func (s *BboltStorage) CreateFriendRequest(senderID, receiverID string) (models.FriendRequest, error) {
	var req models.FriendRequest
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getUser(tx, receiverID); err != nil {
			return err
		}
		pairs := tx.Bucket(bucketRequestPairs)
		pair := orderedPairKey(senderID, receiverID)
		if pairs.Get(pair) != nil {
			return models.ErrDuplicateRequest
		}

		requests := tx.Bucket(bucketFriendRequests)
		id, err := requests.NextSequence()
		if err != nil {
			return err
		}
		dbReq := &DBFriendRequest{
			ID:         id,
			SenderID:   senderID,
			ReceiverID: receiverID,
			CreatedAt:  time.Now().Unix(),
		}
		data, err := dbReq.MarshalBinary()
		if err != nil {
			return err
		}
		if err := requests.Put(dbReq.Key(), data); err != nil {
			return err
		}
		if err := pairs.Put(pair, dbReq.Key()); err != nil {
			return err
		}
		req = models.FriendRequest{
			ID:         dbReq.ID,
			SenderID:   dbReq.SenderID,
			ReceiverID: dbReq.ReceiverID,
			CreatedAt:  time.Unix(dbReq.CreatedAt, 0),
		}
		return nil
	})
	return req, err
}

func (s *BboltStorage) PendingRequestsFor(userID string) ([]models.FriendRequest, error) {
	var requests []models.FriendRequest
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFriendRequests).ForEach(func(k, v []byte) error {
			var dbReq DBFriendRequest
			if err := dbReq.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbReq.ReceiverID != userID {
				return nil
			}
			requests = append(requests, models.FriendRequest{
				ID:         dbReq.ID,
				SenderID:   dbReq.SenderID,
				ReceiverID: dbReq.ReceiverID,
				CreatedAt:  time.Unix(dbReq.CreatedAt, 0),
			})
			return nil
		})
	})
	return requests, err
}

// ResolveFriendRequest consumes a pending request. Accepting creates the
// canonical friendship row and deletes the request in the same transaction;
// rejecting just deletes it. Either way the request is gone afterwards, so a
// second resolve fails with ErrNotFound.
func (s *BboltStorage) ResolveFriendRequest(requestID uint64, responderID string, accept bool) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		requests := tx.Bucket(bucketFriendRequests)
		key := make([]byte, 8)
		binary.BigEndian.PutUint64(key, requestID)

		data := requests.Get(key)
		if data == nil {
			return fmt.Errorf("friend request %d: %w", requestID, models.ErrNotFound)
		}
		var dbReq DBFriendRequest
		if err := dbReq.UnmarshalBinary(data); err != nil {
			return err
		}
		if dbReq.ReceiverID != responderID {
			return fmt.Errorf("request %d is not addressed to %s: %w", requestID, responderID, models.ErrForbidden)
		}

		if err := requests.Delete(key); err != nil {
			return err
		}
		if err := tx.Bucket(bucketRequestPairs).Delete(orderedPairKey(dbReq.SenderID, dbReq.ReceiverID)); err != nil {
			return err
		}
		if !accept {
			return nil
		}

		a, b := dbReq.SenderID, dbReq.ReceiverID
		if b < a {
			a, b = b, a
		}
		friendship := &DBFriendship{
			UserA:     a,
			UserB:     b,
			CreatedAt: time.Now().Unix(),
		}
		fdata, err := friendship.MarshalBinary()
		if err != nil {
			return err
		}
		return tx.Bucket(bucketFriendships).Put(friendship.Key(), fdata)
	})
}

// ListFriends returns the users on the other end of every friendship row
// containing userID.
func (s *BboltStorage) ListFriends(userID string) ([]models.User, error) {
	var friends []models.User
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketFriendships).ForEach(func(k, v []byte) error {
			var f DBFriendship
			if err := f.UnmarshalBinary(v); err != nil {
				return err
			}
			var otherID string
			switch userID {
			case f.UserA:
				otherID = f.UserB
			case f.UserB:
				otherID = f.UserA
			default:
				return nil
			}
			other, err := getUser(tx, otherID)
			if err != nil {
				return err
			}
			friends = append(friends, other)
			return nil
		})
	})
	return friends, err
}

// EnsurePublicChat seeds the global public room if it does not exist yet.
// Safe to call on every startup.
func (s *BboltStorage) EnsurePublicChat(name string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		chats := tx.Bucket(bucketChats)
		if chats.Get([]byte(models.PublicChatID)) != nil {
			return nil
		}
		dbChat := &DBChat{
			ID:        models.PublicChatID,
			Kind:      string(models.ChatKindPublic),
			Name:      name,
			CreatedAt: time.Now().Unix(),
		}
		data, err := dbChat.MarshalBinary()
		if err != nil {
			return err
		}
		return chats.Put(dbChat.Key(), data)
	})
}

func getChat(tx *bbolt.Tx, id string) (models.Chat, error) {
	data := tx.Bucket(bucketChats).Get([]byte(id))
	if data == nil {
		return models.Chat{}, fmt.Errorf("chat %s: %w", id, models.ErrNotFound)
	}
	var dbChat DBChat
	if err := dbChat.UnmarshalBinary(data); err != nil {
		return models.Chat{}, fmt.Errorf("failed to unmarshal chat: %w", err)
	}
	return models.Chat{
		ID:        dbChat.ID,
		Kind:      models.ChatKind(dbChat.Kind),
		Name:      dbChat.Name,
		CreatedAt: time.Unix(dbChat.CreatedAt, 0),
	}, nil
}

func (s *BboltStorage) GetChat(id string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		var err error
		chat, err = getChat(tx, id)
		return err
	})
	return chat, err
}

func putChat(tx *bbolt.Tx, chat models.Chat) error {
	dbChat := &DBChat{
		ID:        chat.ID,
		Kind:      string(chat.Kind),
		Name:      chat.Name,
		CreatedAt: chat.CreatedAt.Unix(),
	}
	data, err := dbChat.MarshalBinary()
	if err != nil {
		return err
	}
	return tx.Bucket(bucketChats).Put(dbChat.Key(), data)
}

func addParticipant(tx *bbolt.Tx, chatID, userID string) error {
	members, err := tx.Bucket(bucketParticipants).CreateBucketIfNotExists([]byte(chatID))
	if err != nil {
		return err
	}
	if err := members.Put([]byte(userID), nil); err != nil {
		return err
	}
	userChats, err := tx.Bucket(bucketUserChats).CreateBucketIfNotExists([]byte(userID))
	if err != nil {
		return err
	}
	return userChats.Put([]byte(chatID), nil)
}

func (s *BboltStorage) AddParticipant(chatID, userID string) error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getChat(tx, chatID); err != nil {
			return err
		}
		return addParticipant(tx, chatID, userID)
	})
}

func (s *BboltStorage) IsParticipant(chatID, userID string) (bool, error) {
	var ok bool
	err := s.db.View(func(tx *bbolt.Tx) error {
		members := tx.Bucket(bucketParticipants).Bucket([]byte(chatID))
		ok = members != nil && members.Get([]byte(userID)) != nil
		return nil
	})
	return ok, err
}

// ChatsVisibleTo returns every public chat plus every chat the user
// participates in, without duplicates.
func (s *BboltStorage) ChatsVisibleTo(userID string) ([]models.Chat, error) {
	var chats []models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		seen := make(map[string]bool)
		err := tx.Bucket(bucketChats).ForEach(func(k, v []byte) error {
			var dbChat DBChat
			if err := dbChat.UnmarshalBinary(v); err != nil {
				return err
			}
			if dbChat.Kind != string(models.ChatKindPublic) {
				return nil
			}
			seen[dbChat.ID] = true
			chats = append(chats, models.Chat{
				ID:        dbChat.ID,
				Kind:      models.ChatKind(dbChat.Kind),
				Name:      dbChat.Name,
				CreatedAt: time.Unix(dbChat.CreatedAt, 0),
			})
			return nil
		})
		if err != nil {
			return err
		}

		userChats := tx.Bucket(bucketUserChats).Bucket([]byte(userID))
		if userChats == nil {
			return nil
		}
		return userChats.ForEach(func(k, v []byte) error {
			chatID := string(k)
			if seen[chatID] {
				return nil
			}
			seen[chatID] = true
			chat, err := getChat(tx, chatID)
			if err != nil {
				return err
			}
			chats = append(chats, chat)
			return nil
		})
	})
	return chats, err
}

// FindPrivateChat returns the private chat between two users, if any,
// under either argument order.
func (s *BboltStorage) FindPrivateChat(userA, userB string) (models.Chat, error) {
	var chat models.Chat
	err := s.db.View(func(tx *bbolt.Tx) error {
		chatID := tx.Bucket(bucketPrivatePairs).Get(pairKey(userA, userB))
		if chatID == nil {
			return fmt.Errorf("private chat between %s and %s: %w", userA, userB, models.ErrNotFound)
		}
		var err error
		chat, err = getChat(tx, string(chatID))
		return err
	})
	return chat, err
}

// CreatePrivateChat is an atomic get-or-create keyed by the canonical pair.
// Concurrent callers (and both argument orders) observe the same chat because
// the lookup and the create happen inside a single write transaction.
// The second return value reports whether the chat was created by this call.
func (s *BboltStorage) CreatePrivateChat(userA, userB string) (models.Chat, bool, error) {
	var (
		chat    models.Chat
		created bool
	)
	err := s.db.Update(func(tx *bbolt.Tx) error {
		pairs := tx.Bucket(bucketPrivatePairs)
		pair := pairKey(userA, userB)
		if existing := pairs.Get(pair); existing != nil {
			var err error
			chat, err = getChat(tx, string(existing))
			return err
		}

		for _, id := range []string{userA, userB} {
			if _, err := getUser(tx, id); err != nil {
				return err
			}
		}

		chat = models.Chat{
			ID:        uuid.NewString(),
			Kind:      models.ChatKindPrivate,
			CreatedAt: time.Now(),
		}
		if err := putChat(tx, chat); err != nil {
			return err
		}
		for _, id := range []string{userA, userB} {
			if err := addParticipant(tx, chat.ID, id); err != nil {
				return err
			}
		}
		if err := pairs.Put(pair, []byte(chat.ID)); err != nil {
			return err
		}
		created = true
		return nil
	})
	if err != nil {
		return models.Chat{}, false, err
	}
	return chat, created, nil
}

// CreateGroupChat creates the chat and all participant rows in one
// transaction.
func (s *BboltStorage) CreateGroupChat(name string, participantIDs []string) (models.Chat, error) {
	chat := models.Chat{
		ID:        uuid.NewString(),
		Kind:      models.ChatKindGroup,
		Name:      name,
		CreatedAt: time.Now(),
	}
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if err := putChat(tx, chat); err != nil {
			return err
		}
		for _, id := range participantIDs {
			if err := addParticipant(tx, chat.ID, id); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return models.Chat{}, err
	}
	return chat, nil
}

// AppendMessage durably stores a message and returns it with the
// store-assigned id and timestamp. Ids come from a store-wide sequence, so
// they are monotonic across all chats.
func (s *BboltStorage) AppendMessage(chatID, senderID, content, attachmentRef string, attachmentKind models.AttachmentKind) (models.Message, error) {
	var msg models.Message
	err := s.db.Update(func(tx *bbolt.Tx) error {
		if _, err := getChat(tx, chatID); err != nil {
			return err
		}
		if _, err := getUser(tx, senderID); err != nil {
			return err
		}

		all := tx.Bucket(bucketMessages)
		id, err := all.NextSequence()
		if err != nil {
			return err
		}
		chatMsgs, err := all.CreateBucketIfNotExists([]byte(chatID))
		if err != nil {
			return err
		}

		dbMsg := &DBMessage{
			ID:             id,
			ChatID:         chatID,
			SenderID:       senderID,
			Content:        content,
			AttachmentRef:  attachmentRef,
			AttachmentKind: string(attachmentKind),
			CreatedAt:      time.Now().Unix(),
		}
		data, err := dbMsg.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if err := chatMsgs.Put(dbMsg.Key(), data); err != nil {
			return fmt.Errorf("failed to put message: %w", err)
		}
		msg = models.Message{
			ID:             dbMsg.ID,
			ChatID:         dbMsg.ChatID,
			SenderID:       dbMsg.SenderID,
			Content:        dbMsg.Content,
			AttachmentRef:  dbMsg.AttachmentRef,
			AttachmentKind: models.AttachmentKind(dbMsg.AttachmentKind),
			CreatedAt:      time.Unix(dbMsg.CreatedAt, 0),
		}
		return nil
	})
	if err != nil {
		return models.Message{}, err
	}
	return msg, nil
}

// Messages returns the chat's messages in ascending id (and therefore time)
// order as a pull iterator. Every range over the result opens a fresh read
// transaction, so the sequence is restartable.
func (s *BboltStorage) Messages(chatID string) iter.Seq2[models.Message, error] {
	return func(yield func(models.Message, error) bool) {
		var stopped bool
		err := s.db.View(func(tx *bbolt.Tx) error {
			chatMsgs := tx.Bucket(bucketMessages).Bucket([]byte(chatID))
			if chatMsgs == nil {
				return nil
			}
			c := chatMsgs.Cursor()
			for k, v := c.First(); k != nil; k, v = c.Next() {
				var dbMsg DBMessage
				if err := dbMsg.UnmarshalBinary(v); err != nil {
					return err
				}
				msg := models.Message{
					ID:             dbMsg.ID,
					ChatID:         dbMsg.ChatID,
					SenderID:       dbMsg.SenderID,
					Content:        dbMsg.Content,
					AttachmentRef:  dbMsg.AttachmentRef,
					AttachmentKind: models.AttachmentKind(dbMsg.AttachmentKind),
					CreatedAt:      time.Unix(dbMsg.CreatedAt, 0),
				}
				if !yield(msg, nil) {
					stopped = true
					return nil
				}
			}
			return nil
		})
		if err != nil && !stopped {
			yield(models.Message{}, err)
		}
	}
}
