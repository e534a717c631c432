package locator

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCurrentRoom(t *testing.T) {
	cases := []struct {
		address string
		room    string
		ok      bool
	}{
		{"https://chat.example/?room=lobby", "lobby", true},
		{"https://chat.example/?room=Lobby%20Two", "Lobby Two", true},
		{"https://chat.example/", "", false},
		{"https://chat.example/?room=", "", false},
		{"https://chat.example/?theme=dark&room=attic", "attic", true},
		{"", "", false},
	}

	for _, tc := range cases {
		l, err := New(tc.address)
		require.NoError(t, err)

		room, ok := l.CurrentRoom()
		assert.Equal(t, tc.room, room, tc.address)
		assert.Equal(t, tc.ok, ok, tc.address)
	}
}

func TestNew_InvalidAddress(t *testing.T) {
	_, err := New("http://[::1")
	assert.Error(t, err)
}

func TestSetRoomAndClearRoom(t *testing.T) {
	l, err := New("https://chat.example/app?theme=dark")
	require.NoError(t, err)

	l.SetRoom("lobby")
	room, ok := l.CurrentRoom()
	require.True(t, ok)
	assert.Equal(t, "lobby", room)
	assert.Equal(t, "https://chat.example/app?room=lobby&theme=dark", l.Address())

	l.SetRoom("attic")
	assert.Equal(t, "https://chat.example/app?room=attic&theme=dark", l.Address())

	l.ClearRoom()
	_, ok = l.CurrentRoom()
	assert.False(t, ok)
	assert.Equal(t, "https://chat.example/app?theme=dark", l.Address())

	assert.Equal(t, []string{
		"https://chat.example/app?theme=dark",
		"https://chat.example/app?room=lobby&theme=dark",
		"https://chat.example/app?room=attic&theme=dark",
		"https://chat.example/app?theme=dark",
	}, l.History())
}

func TestInviteLinkDoesNotMutate(t *testing.T) {
	l, err := New("https://chat.example/")
	require.NoError(t, err)

	link := l.InviteLink("lobby")
	assert.Equal(t, "https://chat.example/?room=lobby", link)

	_, ok := l.CurrentRoom()
	assert.False(t, ok)
	assert.Len(t, l.History(), 1)

	// The invite link resolves to the same room for a second client.
	other, err := New(link)
	require.NoError(t, err)
	room, ok := other.CurrentRoom()
	require.True(t, ok)
	assert.Equal(t, "lobby", room)
}

func TestSetRoomEncodesSpecialCharacters(t *testing.T) {
	l, err := New("https://chat.example/")
	require.NoError(t, err)

	l.SetRoom("a&b=c d")
	room, ok := l.CurrentRoom()
	require.True(t, ok)
	assert.Equal(t, "a&b=c d", room)
	assert.Equal(t, "https://chat.example/?room=a%26b%3Dc+d", l.Address())
}
