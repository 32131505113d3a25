package storage

import (
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"talktime/internal/models"
)

func newTestStorage(t *testing.T) *BboltStorage {
	t.Helper()
	store, err := NewBboltStorage(filepath.Join(t.TempDir(), "test.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store
}

func TestUsers(t *testing.T) {
	store := newTestStorage(t)

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)
	require.NotEmpty(t, alice.ID)

	_, err = store.CreateUser("alice", "Other Alice", "")
	require.ErrorIs(t, err, models.ErrInvalidInput)

	// Identity-provider accounts have no username, any number of them is fine.
	_, err = store.CreateUser("", "OAuth One", "")
	require.NoError(t, err)
	_, err = store.CreateUser("", "OAuth Two", "")
	require.NoError(t, err)

	got, err := store.GetUser(alice.ID)
	require.NoError(t, err)
	require.Equal(t, alice, got)

	_, err = store.GetUser("missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	t.Run("FindUsers", func(t *testing.T) {
		found, err := store.FindUsers("ALICE")
		require.NoError(t, err)
		require.Len(t, found, 2) // alice + Other Alice by display name

		found, err = store.FindUsers("oauth")
		require.NoError(t, err)
		require.Len(t, found, 2)
	})

	t.Run("UpdateProfile", func(t *testing.T) {
		updated, err := store.UpdateProfile(alice.ID, "Alice B.", "avatars/a.png")
		require.NoError(t, err)
		require.Equal(t, "Alice B.", updated.DisplayName)
		require.Equal(t, "avatars/a.png", updated.AvatarRef)

		// Empty avatar ref keeps the old one.
		updated, err = store.UpdateProfile(alice.ID, "Alice C.", "")
		require.NoError(t, err)
		require.Equal(t, "Alice C.", updated.DisplayName)
		require.Equal(t, "avatars/a.png", updated.AvatarRef)

		_, err = store.UpdateProfile("missing", "X", "")
		require.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestFriendRequests(t *testing.T) {
	store := newTestStorage(t)

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)
	bob, err := store.CreateUser("bob", "Bob", "")
	require.NoError(t, err)

	req, err := store.CreateFriendRequest(alice.ID, bob.ID)
	require.NoError(t, err)
	require.Equal(t, alice.ID, req.SenderID)
	require.Equal(t, bob.ID, req.ReceiverID)

	_, err = store.CreateFriendRequest(alice.ID, bob.ID)
	require.ErrorIs(t, err, models.ErrDuplicateRequest)

	_, err = store.CreateFriendRequest(alice.ID, "missing")
	require.ErrorIs(t, err, models.ErrNotFound)

	pending, err := store.PendingRequestsFor(bob.ID)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	require.Equal(t, alice.ID, pending[0].SenderID)

	pending, err = store.PendingRequestsFor(alice.ID)
	require.NoError(t, err)
	require.Empty(t, pending)

	// Friends lists contain nothing while the request is only pending.
	friends, err := store.ListFriends(bob.ID)
	require.NoError(t, err)
	require.Empty(t, friends)

	// Only the receiver may resolve.
	err = store.ResolveFriendRequest(req.ID, alice.ID, true)
	require.ErrorIs(t, err, models.ErrForbidden)

	err = store.ResolveFriendRequest(req.ID, bob.ID, true)
	require.NoError(t, err)

	// The request is consumed: accepting again fails and no duplicate
	// friendship appears.
	err = store.ResolveFriendRequest(req.ID, bob.ID, true)
	require.ErrorIs(t, err, models.ErrNotFound)

	friends, err = store.ListFriends(alice.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	require.Equal(t, bob.ID, friends[0].ID)

	friends, err = store.ListFriends(bob.ID)
	require.NoError(t, err)
	require.Len(t, friends, 1)
	require.Equal(t, alice.ID, friends[0].ID)

	t.Run("Reject", func(t *testing.T) {
		carol, err := store.CreateUser("carol", "Carol", "")
		require.NoError(t, err)

		req, err := store.CreateFriendRequest(carol.ID, bob.ID)
		require.NoError(t, err)
		require.NoError(t, store.ResolveFriendRequest(req.ID, bob.ID, false))

		friends, err := store.ListFriends(carol.ID)
		require.NoError(t, err)
		require.Empty(t, friends)

		// The ordered pair is free again after the reject.
		_, err = store.CreateFriendRequest(carol.ID, bob.ID)
		require.NoError(t, err)
	})
}

func TestPublicChatSeed(t *testing.T) {
	store := newTestStorage(t)

	require.NoError(t, store.EnsurePublicChat("Global Chat"))
	require.NoError(t, store.EnsurePublicChat("Renamed")) // no-op

	chat, err := store.GetChat(models.PublicChatID)
	require.NoError(t, err)
	require.Equal(t, models.ChatKindPublic, chat.Kind)
	require.Equal(t, "Global Chat", chat.Name)
}

func TestPrivateChat(t *testing.T) {
	store := newTestStorage(t)

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)
	bob, err := store.CreateUser("bob", "Bob", "")
	require.NoError(t, err)

	_, err = store.FindPrivateChat(alice.ID, bob.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	chat, created, err := store.CreatePrivateChat(alice.ID, bob.ID)
	require.NoError(t, err)
	require.True(t, created)
	require.Equal(t, models.ChatKindPrivate, chat.Kind)

	// Same chat under both argument orders, never re-created.
	again, created, err := store.CreatePrivateChat(bob.ID, alice.ID)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, chat.ID, again.ID)

	found, err := store.FindPrivateChat(bob.ID, alice.ID)
	require.NoError(t, err)
	require.Equal(t, chat.ID, found.ID)

	for _, id := range []string{alice.ID, bob.ID} {
		ok, err := store.IsParticipant(chat.ID, id)
		require.NoError(t, err)
		require.True(t, ok)
	}
}

func TestPrivateChatConcurrent(t *testing.T) {
	store := newTestStorage(t)

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)
	bob, err := store.CreateUser("bob", "Bob", "")
	require.NoError(t, err)

	const callers = 16
	ids := make([]string, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, b := alice.ID, bob.ID
			if i%2 == 1 {
				a, b = b, a
			}
			chat, _, err := store.CreatePrivateChat(a, b)
			if err != nil {
				t.Error(err)
				return
			}
			ids[i] = chat.ID
		}(i)
	}
	wg.Wait()

	for i := 1; i < callers; i++ {
		require.Equal(t, ids[0], ids[i], "caller %d got a different chat", i)
	}
}

func TestGroupChatAndVisibility(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.EnsurePublicChat("Global Chat"))

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)
	bob, err := store.CreateUser("bob", "Bob", "")
	require.NoError(t, err)
	carol, err := store.CreateUser("carol", "Carol", "")
	require.NoError(t, err)

	group, err := store.CreateGroupChat("Team", []string{alice.ID, bob.ID})
	require.NoError(t, err)
	require.Equal(t, models.ChatKindGroup, group.Kind)
	require.Equal(t, "Team", group.Name)

	ok, err := store.IsParticipant(group.ID, alice.ID)
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = store.IsParticipant(group.ID, carol.ID)
	require.NoError(t, err)
	require.False(t, ok)

	chatIDs := func(chats []models.Chat) map[string]bool {
		set := make(map[string]bool, len(chats))
		for _, c := range chats {
			set[c.ID] = true
		}
		return set
	}

	visible, err := store.ChatsVisibleTo(alice.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{models.PublicChatID: true, group.ID: true}, chatIDs(visible))

	// Carol is no participant anywhere: public only.
	visible, err = store.ChatsVisibleTo(carol.ID)
	require.NoError(t, err)
	require.Equal(t, map[string]bool{models.PublicChatID: true}, chatIDs(visible))
}

func TestMessages(t *testing.T) {
	store := newTestStorage(t)
	require.NoError(t, store.EnsurePublicChat("Global Chat"))

	alice, err := store.CreateUser("alice", "Alice", "")
	require.NoError(t, err)

	_, err = store.AppendMessage("missing", alice.ID, "hi", "", models.AttachmentKindNone)
	require.ErrorIs(t, err, models.ErrNotFound)

	_, err = store.AppendMessage(models.PublicChatID, "missing", "hi", "", models.AttachmentKindNone)
	require.ErrorIs(t, err, models.ErrNotFound)

	first, err := store.AppendMessage(models.PublicChatID, alice.ID, "hello", "", models.AttachmentKindNone)
	require.NoError(t, err)
	second, err := store.AppendMessage(models.PublicChatID, alice.ID, "", "files/pic.png", models.AttachmentKindImage)
	require.NoError(t, err)
	require.Greater(t, second.ID, first.ID)

	collect := func() []models.Message {
		var msgs []models.Message
		for msg, err := range store.Messages(models.PublicChatID) {
			require.NoError(t, err)
			msgs = append(msgs, msg)
		}
		return msgs
	}

	msgs := collect()
	require.Len(t, msgs, 2)
	require.Equal(t, "hello", msgs[0].Content)
	require.Equal(t, models.AttachmentKindImage, msgs[1].AttachmentKind)
	require.Equal(t, "files/pic.png", msgs[1].AttachmentRef)

	// The sequence is restartable: a second range yields the same messages.
	require.Equal(t, msgs, collect())

	// Early break must not panic or leak the read transaction.
	for range store.Messages(models.PublicChatID) {
		break
	}

	// No messages for an unknown chat id.
	for _, err := range store.Messages("nope") {
		require.NoError(t, err)
		t.Fatal("unexpected message")
	}
}
