package storage

import (
	"encoding"
	"encoding/binary"

	"github.com/vmihailenco/msgpack/v5"
)

type Storeable interface {
	Key() []byte
	encoding.BinaryMarshaler
	encoding.BinaryUnmarshaler
}

type DBUser struct {
	ID          string `msgpack:"id"`
	Username    string `msgpack:"username"`
	DisplayName string `msgpack:"displayName"`
	AvatarRef   string `msgpack:"avatarRef"`
	CreatedAt   int64  `msgpack:"createdAt"`
}

func (u *DBUser) Key() []byte {
	return []byte(u.ID)
}

func (u *DBUser) MarshalBinary() (data []byte, err error) {
	type alias DBUser
	return msgpack.Marshal((*alias)(u))
}

func (u *DBUser) UnmarshalBinary(data []byte) error {
	type alias DBUser
	return msgpack.Unmarshal(data, (*alias)(u))
}

type DBFriendRequest struct {
	ID         uint64 `msgpack:"id"`
	SenderID   string `msgpack:"senderId"`
	ReceiverID string `msgpack:"receiverId"`
	CreatedAt  int64  `msgpack:"createdAt"`
}

func (r *DBFriendRequest) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, r.ID)
	return key
}

func (r *DBFriendRequest) MarshalBinary() (data []byte, err error) {
	type alias DBFriendRequest
	return msgpack.Marshal((*alias)(r))
}

func (r *DBFriendRequest) UnmarshalBinary(data []byte) error {
	type alias DBFriendRequest
	return msgpack.Unmarshal(data, (*alias)(r))
}

// DBFriendship is keyed by the canonical pair (UserA < UserB) so a pair can
// never be stored twice regardless of who initiated.
type DBFriendship struct {
	UserA     string `msgpack:"userA"`
	UserB     string `msgpack:"userB"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (f *DBFriendship) Key() []byte {
	return pairKey(f.UserA, f.UserB)
}

func (f *DBFriendship) MarshalBinary() (data []byte, err error) {
	type alias DBFriendship
	return msgpack.Marshal((*alias)(f))
}

func (f *DBFriendship) UnmarshalBinary(data []byte) error {
	type alias DBFriendship
	return msgpack.Unmarshal(data, (*alias)(f))
}

type DBChat struct {
	ID        string `msgpack:"id"`
	Kind      string `msgpack:"kind"`
	Name      string `msgpack:"name"`
	CreatedAt int64  `msgpack:"createdAt"`
}

func (c *DBChat) Key() []byte {
	return []byte(c.ID)
}

func (c *DBChat) MarshalBinary() (data []byte, err error) {
	type alias DBChat
	return msgpack.Marshal((*alias)(c))
}

func (c *DBChat) UnmarshalBinary(data []byte) error {
	type alias DBChat
	return msgpack.Unmarshal(data, (*alias)(c))
}

type DBMessage struct {
	ID             uint64 `msgpack:"id"`
	ChatID         string `msgpack:"chatId"`
	SenderID       string `msgpack:"senderId"`
	Content        string `msgpack:"content"`
	AttachmentRef  string `msgpack:"attachmentRef"`
	AttachmentKind string `msgpack:"attachmentKind"`
	CreatedAt      int64  `msgpack:"createdAt"`
}

func (m *DBMessage) Key() []byte {
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, m.ID)
	return key
}

func (m *DBMessage) MarshalBinary() (data []byte, err error) {
	type alias DBMessage
	return msgpack.Marshal((*alias)(m))
}

func (m *DBMessage) UnmarshalBinary(data []byte) error {
	type alias DBMessage
	return msgpack.Unmarshal(data, (*alias)(m))
}
